package cmdintake

import (
	"testing"

	"bmsfw/internal/balancing"
	"bmsfw/internal/diag"
	"bmsfw/internal/nvm"
	"bmsfw/internal/pack"
	"bmsfw/internal/params"
	"bmsfw/internal/taskhealth"
	"bmsfw/internal/wire"
	"bmsfw/x/clock"
)

type fakeClock struct{ ms uint32 }

func (f *fakeClock) NowMs() clock.Ms { return clock.Ms(f.ms) }

type fakeContactors struct{ interlock bool }

func (fakeContactors) CommandMinus(params.StringIndex, pack.ContactorCommand)     {}
func (fakeContactors) CommandPrecharge(params.StringIndex, pack.ContactorCommand) {}
func (fakeContactors) CommandPlus(params.StringIndex, pack.ContactorCommand)      {}
func (fakeContactors) FeedbackMinus(params.StringIndex) pack.ContactorFeedback {
	return pack.FeedbackOpen
}
func (fakeContactors) FeedbackPrecharge(params.StringIndex) pack.ContactorFeedback {
	return pack.FeedbackOpen
}
func (fakeContactors) FeedbackPlus(params.StringIndex) pack.ContactorFeedback {
	return pack.FeedbackOpen
}
func (c fakeContactors) InterlockClosed() bool { return c.interlock }

type memBackend struct{ blocks map[nvm.RecordID][]byte }

func newMemBackend() *memBackend { return &memBackend{blocks: make(map[nvm.RecordID][]byte)} }

func (b *memBackend) ReadBlock(id nvm.RecordID, buf []byte) error {
	if v, ok := b.blocks[id]; ok {
		copy(buf, v)
	}
	return nil
}

func (b *memBackend) WriteBlock(id nvm.RecordID, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.blocks[id] = cp
	return nil
}

type noopFaults struct{}

func (noopFaults) ReportNvmReadFault(nvm.RecordID)  {}
func (noopFaults) ReportNvmWriteFault(nvm.RecordID) {}

func newTestIntake(t *testing.T) (*Intake, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	bus := diag.NewBus(diag.DefaultConfigs, clk)
	store := nvm.NewStore(newMemBackend(), noopFaults{})
	packOrch := pack.NewOrchestrator(fakeContactors{interlock: true}, bus, store, true)
	bal := balancing.NewEngine(bus, packOrch, params.BalancingDefaultThresholdMV, false)
	tasks := taskhealth.NewMonitor(store, bus)
	tasks.LoadPersisted()
	return NewIntake(clk, packOrch, bal, tasks, store, bus), clk
}

// setBit/setBits mirror wire's own Motorola-order bit writers: this test
// builds request frames independently rather than reaching into wire's
// unexported encoder, the same way an external controller would.
func setBit(frame []byte, bitIdx int, v bool) {
	if !v {
		return
	}
	byteIdx := bitIdx / 8
	bitInByte := uint(bitIdx % 8)
	frame[byteIdx] |= 1 << (7 - bitInByte)
}

func setBits(frame []byte, start, length int, v uint32) {
	first := start - length + 1
	for i := 0; i < length; i++ {
		b := first + i
		bit := (v >> uint(length-1-i)) & 1
		if bit != 0 {
			byteIdx := b / 8
			bitInByte := uint(b % 8)
			frame[byteIdx] |= 1 << (7 - bitInByte)
		}
	}
}

const (
	requestModeStart        = 1
	requestModeLen          = 2
	clearPersistentFlagsBit = 2
	balancingEnableBit      = 8
	balancingThresholdStart = 23
	balancingThresholdLen   = 8
)

func buildFrame(mode wire.RequestMode, clearFlags, balancingEnable bool, thresholdMV uint8) [wire.RxFrameLen]byte {
	var frame [wire.RxFrameLen]byte
	setBits(frame[:], requestModeStart, requestModeLen, uint32(mode))
	setBit(frame[:], clearPersistentFlagsBit, clearFlags)
	setBit(frame[:], balancingEnableBit, balancingEnable)
	setBits(frame[:], balancingThresholdStart, balancingThresholdLen, uint32(thresholdMV))
	return frame
}

func TestReceiveBmsRequestAppliesModeImmediatelyOnFirstFrame(t *testing.T) {
	in, _ := newTestIntake(t)
	frame := buildFrame(wire.RequestNormal, false, false, 50)
	in.ReceiveBmsRequest(frame[:])

	slot := in.Snapshot()
	if slot.RequestedMode != pack.ModeNormal {
		t.Fatalf("RequestedMode = %v, want ModeNormal", slot.RequestedMode)
	}
	if slot.PendingMode != pack.ModeNormal {
		t.Fatalf("PendingMode = %v, want ModeNormal on the first frame", slot.PendingMode)
	}
}

func TestReceiveBmsRequestDebouncesRepeatedSameModeWithinWindow(t *testing.T) {
	in, clk := newTestIntake(t)
	frame := buildFrame(wire.RequestNormal, false, false, 50)
	in.ReceiveBmsRequest(frame[:])

	// Advance within the request-update window and resend the same mode:
	// PendingMode must not be re-latched to a different value (it already
	// matches), confirming the debounce does not oscillate on repeats.
	clk.ms += params.RequestUpdateWindowMs / 2
	in.ReceiveBmsRequest(frame[:])

	slot := in.Snapshot()
	if slot.PendingMode != pack.ModeNormal {
		t.Fatalf("PendingMode = %v, want ModeNormal to remain stable", slot.PendingMode)
	}
}

func TestReceiveBmsRequestForwardsBalancingThreshold(t *testing.T) {
	in, _ := newTestIntake(t)
	frame := buildFrame(wire.RequestStandby, false, true, 75)
	in.ReceiveBmsRequest(frame[:])

	if in.bal.GetThresholdMV() != 75 {
		t.Fatalf("balancing threshold = %d, want 75", in.bal.GetThresholdMV())
	}
}

func TestReceiveBmsRequestClearPersistentFlagsClearsDeepDischargeLatch(t *testing.T) {
	in, _ := newTestIntake(t)

	// Latch a deep-discharge flag on string 0.
	in.CheckDeepDischarge(func(s int) int32 {
		if s == 0 {
			return params.DeepDischargeVoltageMV - 1
		}
		return 3700
	})
	rec, _ := in.store.ReadDeepDischargeFlags()
	if rec.LatchedMask&1 == 0 {
		t.Fatal("expected string 0's deep-discharge latch to be set")
	}

	frame := buildFrame(wire.RequestStandby, true, false, 50)
	in.ReceiveBmsRequest(frame[:])

	rec, _ = in.store.ReadDeepDischargeFlags()
	if rec.LatchedMask != 0 {
		t.Fatalf("expected clear_persistent_flags to clear the latch, got mask %#x", rec.LatchedMask)
	}
}

func TestCheckDeepDischargeLatchesOnceAndIgnoresRecovery(t *testing.T) {
	in, _ := newTestIntake(t)
	mv := params.DeepDischargeVoltageMV - 1

	in.CheckDeepDischarge(func(s int) int32 { return mv })
	rec, _ := in.store.ReadDeepDischargeFlags()
	if rec.LatchedMask&1 == 0 {
		t.Fatal("expected the latch to be set once the threshold is crossed")
	}

	// Recover the cell voltage; the latch must persist.
	mv = 3700
	in.CheckDeepDischarge(func(s int) int32 { return mv })
	rec, _ = in.store.ReadDeepDischargeFlags()
	if rec.LatchedMask&1 == 0 {
		t.Fatal("expected the latch to remain set despite recovery")
	}
}
