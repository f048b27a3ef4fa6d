package measure

import (
	"testing"

	"bmsfw/internal/params"
)

func TestBufferLoadNeverNil(t *testing.T) {
	b := NewBuffer()
	if b.Load() == nil {
		t.Fatal("Load returned nil before any Publish")
	}
}

func TestPublishSwapsWholeFrame(t *testing.T) {
	b := NewBuffer()
	var s Snapshot
	s.Strings[0].AvgCellMV = 3700
	s.Pack.PackVoltageMV = 40000
	b.Publish(s)

	got := b.Load()
	if got.Strings[0].AvgCellMV != 3700 || got.Pack.PackVoltageMV != 40000 {
		t.Fatalf("unexpected snapshot after publish: %+v", got)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	if !Fresh(1000, 1000+params.StalenessThresholdMs) {
		t.Fatal("exactly-at-threshold timestamp should be fresh")
	}
	if Fresh(1000, 1000+params.StalenessThresholdMs+1) {
		t.Fatal("one-past-threshold timestamp should be stale")
	}
}
