package bmsconfig

import "testing"

func TestLoadDefaultBoard(t *testing.T) {
	tun, err := Load("default")
	if err != nil {
		t.Fatalf("Load(default): %v", err)
	}
	if tun.BalancingThresholdMV != DefaultTunables.BalancingThresholdMV {
		t.Fatalf("BalancingThresholdMV = %d, want %d", tun.BalancingThresholdMV, DefaultTunables.BalancingThresholdMV)
	}
	if tun.CapacityAh != DefaultTunables.CapacityAh {
		t.Fatalf("CapacityAh = %v, want %v", tun.CapacityAh, DefaultTunables.CapacityAh)
	}
	if tun.RequestUpdateWindowMs != DefaultTunables.RequestUpdateWindowMs {
		t.Fatalf("RequestUpdateWindowMs = %d, want %d", tun.RequestUpdateWindowMs, DefaultTunables.RequestUpdateWindowMs)
	}
}

func TestLoadFallsBackToDefaultBoardForUnknownBoard(t *testing.T) {
	tun, err := Load("some-unknown-board")
	if err != nil {
		t.Fatalf("Load(unknown): %v", err)
	}
	if tun != DefaultTunables {
		t.Fatalf("expected fallback to DefaultTunables, got %+v", tun)
	}
}

func TestLoadOverridesFromEmbeddedConfigLookup(t *testing.T) {
	orig := EmbeddedConfigLookup
	defer func() { EmbeddedConfigLookup = orig }()

	EmbeddedConfigLookup = func(board string) ([]byte, bool) {
		if board != "bench" {
			return nil, false
		}
		return []byte(`{"balancing_threshold_mv": 75, "capacity_ah": 42.5}`), true
	}

	tun, err := Load("bench")
	if err != nil {
		t.Fatalf("Load(bench): %v", err)
	}
	if tun.BalancingThresholdMV != 75 {
		t.Fatalf("BalancingThresholdMV = %d, want 75", tun.BalancingThresholdMV)
	}
	if tun.CapacityAh != 42.5 {
		t.Fatalf("CapacityAh = %v, want 42.5", tun.CapacityAh)
	}
	// fields absent from the override document keep their defaults
	if tun.RequestUpdateWindowMs != DefaultTunables.RequestUpdateWindowMs {
		t.Fatalf("RequestUpdateWindowMs = %d, want default %d", tun.RequestUpdateWindowMs, DefaultTunables.RequestUpdateWindowMs)
	}
}

func TestLoadRejectsNonObjectDocument(t *testing.T) {
	orig := EmbeddedConfigLookup
	defer func() { EmbeddedConfigLookup = orig }()

	EmbeddedConfigLookup = func(board string) ([]byte, bool) {
		return []byte(`[1, 2, 3]`), true
	}

	if _, err := Load("anything"); err == nil {
		t.Fatal("expected an error for a non-object embedded document")
	}
}
