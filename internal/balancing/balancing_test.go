package balancing

import (
	"testing"

	"bmsfw/internal/diag"
	"bmsfw/internal/measure"
	"bmsfw/internal/params"
)

type fakeClock struct{ ms uint32 }

func (f *fakeClock) NowMs() uint32 { return f.ms }

type fakeRest struct{ atRest bool }

func (f *fakeRest) AtRest() bool { return f.atRest }

func newInitializedEngine(atRest bool) (*Engine, *fakeRest) {
	bus := diag.NewBus(diag.DefaultConfigs, &fakeClock{})
	rest := &fakeRest{atRest: atRest}
	e := NewEngine(bus, rest, params.BalancingDefaultThresholdMV, false)
	if err := e.SetStateRequest(ReqInit); err != nil {
		panic(err)
	}
	if err := e.SetStateRequest(ReqGlobalEnable); err != nil {
		panic(err)
	}
	e.Trigger(&measure.Snapshot{}) // initialization -> initialized
	e.Trigger(&measure.Snapshot{}) // initialized -> check_balancing
	return e, rest
}

func restSnapshotWithOneHotCell() *measure.Snapshot {
	var snap measure.Snapshot
	for s := 0; s < params.NRStrings; s++ {
		snap.Strings[s].MinCellMV = 3700
		for m := 0; m < params.NRModulesPerString; m++ {
			for cb := 0; cb < params.NRCellBlocksPerModule; cb++ {
				snap.Strings[s].CellMV[m][cb] = 3700
			}
		}
	}
	snap.Strings[0].CellMV[0][0] = 3700 + params.BalancingDefaultThresholdMV + 100
	return &snap
}

func TestBalancingOnlyEngagesAtRestScenario3(t *testing.T) {
	e, rest := newInitializedEngine(false)
	snap := restSnapshotWithOneHotCell()

	e.Trigger(snap)
	if e.GetInitState() != PhaseCheckBalancing {
		t.Fatal("expected to remain in check_balancing while not at rest")
	}
	if e.IsActive() {
		t.Fatal("expected enable_balancing=false while not at rest")
	}

	rest.atRest = true
	e.Trigger(snap) // check_balancing -> balancing (entry)
	e.Trigger(snap) // sweep: should select the hot cell

	if !e.IsActive() {
		t.Fatal("expected balancing to become active within two trigger cycles")
	}
	if !e.IsCellActivated(0, 0, 0) {
		t.Fatal("expected the over-threshold cell to be selected")
	}
}

func TestBalancingUnderVoltageGuardScenario4(t *testing.T) {
	e, rest := newInitializedEngine(true)
	rest.atRest = true

	var snap measure.Snapshot
	for s := 0; s < params.NRStrings; s++ {
		snap.Strings[s].MinCellMV = params.BalancingLowerVoltageLimitMV // at the limit
	}

	e.Trigger(&snap) // check_balancing -> balancing
	e.Trigger(&snap) // sweep should bail out on the voltage guard

	if e.IsActive() {
		t.Fatal("expected enable_balancing=false under the voltage guard")
	}
	for s := 0; s < params.NRStrings; s++ {
		for m := 0; m < params.NRModulesPerString; m++ {
			for cb := 0; cb < params.NRCellBlocksPerModule; cb++ {
				if e.IsCellActivated(params.StringIndex(s), m, cb) {
					t.Fatalf("expected all activate flags cleared, found one set at [%d][%d][%d]", s, m, cb)
				}
			}
		}
	}
}

func TestGlobalDisableIsIdempotent(t *testing.T) {
	e, _ := newInitializedEngine(true)
	if err := e.SetStateRequest(ReqGlobalDisable); err != nil {
		t.Fatalf("unexpected error on first disable: %v", err)
	}
	if err := e.SetStateRequest(ReqGlobalDisable); err != nil {
		t.Fatalf("repeated disable must be a no-op, got error: %v", err)
	}
}

func TestIllegalRequestOutsideUninitializedIsRejected(t *testing.T) {
	e, _ := newInitializedEngine(true)
	if err := e.SetStateRequest(ReqInit); err == nil {
		t.Fatal("expected init request to be illegal once past uninitialized")
	}
}
