package soc

import (
	"math"
	"testing"

	"bmsfw/internal/measure"
	"bmsfw/internal/nvm"
	"bmsfw/internal/params"
)

type fakeBackend struct{ blocks map[nvm.RecordID][]byte }

func newFakeBackend() *fakeBackend { return &fakeBackend{blocks: make(map[nvm.RecordID][]byte)} }

func (f *fakeBackend) ReadBlock(id nvm.RecordID, buf []byte) error {
	if b, ok := f.blocks[id]; ok {
		copy(buf, b)
	}
	return nil
}

func (f *fakeBackend) WriteBlock(id nvm.RecordID, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.blocks[id] = cp
	return nil
}

type noopFaults struct{}

func (noopFaults) ReportNvmReadFault(nvm.RecordID)  {}
func (noopFaults) ReportNvmWriteFault(nvm.RecordID) {}

type fakeRestObserver struct{ atRest bool }

func (f *fakeRestObserver) AtRest() bool { return f.atRest }

func newTestEstimator(capacityAh float64, dischargePositive bool, atRest bool) *Estimator {
	store := nvm.NewStore(newFakeBackend(), noopFaults{})
	return NewEstimator(store, &fakeRestObserver{atRest: atRest}, capacityAh, dischargePositive)
}

func almostEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestCoulombCountIntegrationScenario5(t *testing.T) {
	e := newTestEstimator(1.0, true, false) // capacityAh chosen so capacityAs = 3600
	s := params.StringIndex(0)

	var snap measure.Snapshot
	snap.Strings[s].TimestampMs = 0
	e.Initialize(s, false, &snap)

	st := &e.strings[s]
	st.avgPerc, st.minPerc, st.maxPerc = 50, 50, 50
	st.previousTimestampMs = 0

	snap.Strings[s].TimestampMs = 1000
	snap.Strings[s].CurrentMA = 1000
	e.Compute(&snap, 1000)

	avg, _, _ := e.Perc(s)
	want := 50 - (1000.0*1.0)/(3600.0*1000.0)*100
	if !almostEqual(avg, want, 1e-6) {
		t.Fatalf("got %v want %v", avg, want)
	}
}

func TestOcvRecalibrationScenario6(t *testing.T) {
	e := newTestEstimator(100, true, true)
	s := params.StringIndex(0)

	var snap measure.Snapshot
	e.Initialize(s, false, &snap)

	snap.Strings[s].AvgCellMV = 3650
	snap.Strings[s].MinCellMV = 3650
	snap.Strings[s].MaxCellMV = 3650
	e.Compute(&snap, 0)

	avg, _, _ := e.Perc(s)
	if !almostEqual(avg, 45, 1e-9) {
		t.Fatalf("got %v want 45", avg)
	}
}

func TestLookupEndpointsDoNotExtrapolate(t *testing.T) {
	if Lookup(DefaultOcvTable, 5000) != 100 {
		t.Fatal("above-domain voltage must clamp to top endpoint")
	}
	if Lookup(DefaultOcvTable, 0) != 0 {
		t.Fatal("below-domain voltage must clamp to bottom endpoint")
	}
}

func TestLookupMonotonicWithVoltage(t *testing.T) {
	prevSoc := -1.0
	for mv := int32(3000); mv <= 4200; mv += 10 {
		s := Lookup(DefaultOcvTable, mv)
		if s < prevSoc {
			t.Fatalf("SOC must be non-decreasing with voltage: at %dmV got %v after %v", mv, s, prevSoc)
		}
		prevSoc = s
	}
}

func TestComputeClampsIntoZeroHundred(t *testing.T) {
	e := newTestEstimator(1.0, true, false)
	s := params.StringIndex(0)
	var snap measure.Snapshot
	e.Initialize(s, false, &snap)

	st := &e.strings[s]
	st.avgPerc, st.minPerc, st.maxPerc = 1, 1, 1
	st.ccScalingAvg, st.ccScalingMin, st.ccScalingMax = 1, 1, 1
	st.previousTimestampMs = 0

	snap.Strings[s].TimestampMs = 1000
	snap.Strings[s].CurrentMA = 1_000_000 // huge discharge current
	e.Compute(&snap, 1000)

	avg, min, max := e.Perc(s)
	if avg != 0 || min != 0 || max != 0 {
		t.Fatalf("expected clamping to zero, got avg=%v min=%v max=%v", avg, min, max)
	}
}
