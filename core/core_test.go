package core

import (
	"testing"

	"bmsfw/internal/afe"
	"bmsfw/internal/bmsconfig"
	"bmsfw/internal/nvm"
	"bmsfw/internal/pack"
	"bmsfw/internal/params"
	"bmsfw/internal/wire"
	"bmsfw/x/logx"
)

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

func newTestCore(t *testing.T) *Core {
	t.Helper()
	clk := &fakeClock{}
	contactors := fakeContactors{interlock: true}
	backend := newMemBackend()
	var strings [params.NRStrings]afe.StringSource
	sampler := afe.NewSampler(strings, nil)
	cfg := bmsconfig.DefaultTunables
	c := New(clk, contactors, backend, sampler, cfg, logx.New())

	var ccPresent [params.NRStrings]bool
	snap := c.SampleAndPublish(clk.NowMs())
	c.InitializeStrings(snap, ccPresent)
	return c
}

type fakeClock struct{ ms uint32 }

func (f *fakeClock) NowMs() uint32 { return f.ms }

func TestSampleAndPublishCarriesForwardNilCollaboratorFields(t *testing.T) {
	c := newTestCore(t)
	snap := c.SampleAndPublish(100)
	if snap == nil {
		t.Fatal("expected a non-nil snapshot")
	}
}

func TestRunPackTickAdvancesFromInitPhase(t *testing.T) {
	c := newTestCore(t)
	// With no mode requested yet, the pack orchestrator should stay
	// healthy (no contactor faults) through a few ticks.
	for ms := uint32(0); ms < 50; ms += 10 {
		c.RunPackTick(ms)
	}
	if c.Pack.GetState() == pack.PhaseError {
		t.Fatal("expected the pack orchestrator not to fault with no request and healthy contactors")
	}
}

func TestReceiveRequestFrameForwardsModeToPack(t *testing.T) {
	c := newTestCore(t)
	frame := [wire.RxFrameLen]byte{}
	// mode field: start bit 1, length 2, so bit indices 0-1 = RequestNormal (1)
	frame[0] = 0x40 // bit index 1 set => value 1 in the 2-bit field
	c.ReceiveRequestFrame(frame[:])

	slot := c.Intake.Snapshot()
	if slot.PendingMode != pack.ModeNormal {
		t.Fatalf("PendingMode = %v, want ModeNormal", slot.PendingMode)
	}
}

func TestEncodeStateFrameLength(t *testing.T) {
	c := newTestCore(t)
	frame := c.EncodeStateFrame()
	if len(frame) != wire.TxFrameLen {
		t.Fatalf("state frame length = %d, want %d", len(frame), wire.TxFrameLen)
	}
}

func TestEncodeStateDetailFrameReflectsStringState(t *testing.T) {
	c := newTestCore(t)
	detail := c.EncodeStateDetailFrame()
	if len(detail) != wire.TxDetailFrameLen {
		t.Fatalf("detail frame length = %d, want %d", len(detail), wire.TxDetailFrameLen)
	}
	// With no string closed or deactivated yet, the closed-string field
	// (low nibble of byte 0) and the deactivated-string field (low nibble
	// of byte 1) must be zero, matching the orchestrator's own view.
	if detail[0]&0x0F != 0 || detail[1]&0x0F != 0 {
		t.Fatalf("closed/deactivated bitsets = %#x/%#x, want 0/0", detail[0]&0x0F, detail[1]&0x0F)
	}
	for s := 0; s < params.NRStrings; s++ {
		if c.Pack.IsStringClosed(params.StringIndex(s)) {
			t.Fatalf("string %d unexpectedly reports closed at startup", s)
		}
	}
}

func TestRunTaskHealthCheckDoesNotPanicWithNoNotifications(t *testing.T) {
	c := newTestCore(t)
	c.RunTaskHealthCheck(0)
}
