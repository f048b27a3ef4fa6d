package pack

import (
	"testing"

	"bmsfw/internal/diag"
	"bmsfw/internal/measure"
	"bmsfw/internal/params"
)

type fakeClock struct{ ms uint32 }

func (f *fakeClock) NowMs() uint32 { return f.ms }

// fakeContactors reports feedback matching whatever was last commanded,
// simulating healthy hardware with no mismatch faults.
type fakeContactors struct {
	minusFb, prechargeFb, plusFb [params.NRStrings]ContactorFeedback
	interlock                    bool
}

func newFakeContactors() *fakeContactors {
	c := &fakeContactors{interlock: true}
	for i := 0; i < params.NRStrings; i++ {
		c.minusFb[i] = FeedbackOpen
		c.prechargeFb[i] = FeedbackOpen
		c.plusFb[i] = FeedbackOpen
	}
	return c
}

func (c *fakeContactors) CommandMinus(s params.StringIndex, cmd ContactorCommand) {
	c.minusFb[s] = feedbackFor(cmd)
}
func (c *fakeContactors) CommandPrecharge(s params.StringIndex, cmd ContactorCommand) {
	c.prechargeFb[s] = feedbackFor(cmd)
}
func (c *fakeContactors) CommandPlus(s params.StringIndex, cmd ContactorCommand) {
	c.plusFb[s] = feedbackFor(cmd)
}
func (c *fakeContactors) FeedbackMinus(s params.StringIndex) ContactorFeedback     { return c.minusFb[s] }
func (c *fakeContactors) FeedbackPrecharge(s params.StringIndex) ContactorFeedback { return c.prechargeFb[s] }
func (c *fakeContactors) FeedbackPlus(s params.StringIndex) ContactorFeedback      { return c.plusFb[s] }
func (c *fakeContactors) InterlockClosed() bool                                   { return c.interlock }

func feedbackFor(cmd ContactorCommand) ContactorFeedback {
	if cmd == CmdClose {
		return FeedbackClosed
	}
	return FeedbackOpen
}

func newRunningOrchestrator() (*Orchestrator, *fakeContactors, *fakeClock) {
	clk := &fakeClock{}
	bus := diag.NewBus(diag.DefaultConfigs, clk)
	io := newFakeContactors()
	o := NewOrchestrator(io, bus, nil, true)
	if err := o.SetStateRequest(ReqInit); err != nil {
		panic(err)
	}
	return o, io, clk
}

// runTicks drives the orchestrator forward n pack ticks with the given
// snapshot, as the periodic driver would every 10ms.
func runTicks(o *Orchestrator, clk *fakeClock, snap *measure.Snapshot, n int) {
	for i := 0; i < n; i++ {
		clk.ms += params.PackTickMs
		o.Trigger(snap, clk.ms)
	}
}

func flatSnapshot(stringVoltageMV, packVoltageMV, currentMA int32) *measure.Snapshot {
	var snap measure.Snapshot
	for i := 0; i < params.NRStrings; i++ {
		snap.Strings[i].StringVoltageMV = stringVoltageMV
		snap.Strings[i].CurrentMA = currentMA
	}
	snap.Pack.PackVoltageMV = packVoltageMV
	snap.Pack.PackCurrentMA = currentMA
	return &snap
}

// TestPrechargeHappyPath exercises the precharge sequence with a string
// voltage comfortably inside the success thresholds: the first selected
// string should fully close with no retries.
func TestPrechargeHappyPath(t *testing.T) {
	o, _, clk := newRunningOrchestrator()
	snap := flatSnapshot(399500, 400000, 0)

	o.RequestMode(ModeNormal)
	// Enough ticks to finish closing string 0, but short of the settle
	// window that would start bringing in the next string and flip the
	// phase back to Precharge.
	runTicks(o, clk, snap, 100)

	if !o.IsStringClosed(0) {
		t.Fatalf("expected string 0 closed, state=%v substate=%v", o.GetState(), o.GetSubstate())
	}
	if o.PrechargeTryCount(0) != 0 {
		t.Fatalf("expected precharge_try_count=0 after a clean close, got %d", o.PrechargeTryCount(0))
	}
	if o.GetState() != PhaseNormal {
		t.Fatalf("expected PhaseNormal after closing the only eligible string, got %v", o.GetState())
	}
}

// TestPrechargeVoltageTimeoutDeactivatesString keeps the string voltage
// permanently outside the success threshold; precharge should retry up
// to the configured limit and then deactivate the string and move the
// whole orchestrator to PhaseError.
func TestPrechargeVoltageTimeoutDeactivatesString(t *testing.T) {
	o, _, clk := newRunningOrchestrator()
	snap := flatSnapshot(390000, 400000, 0) // 10000mV off, threshold is 1000mV

	o.RequestMode(ModeNormal)

	// Each attempt costs one evaluate timeout (500 ticks) plus setup and
	// retry-wait overhead. A failed string sits out its oscillation
	// cooldown while string 1 is attempted, so string 0's attempts
	// alternate with string 1's and its last allowed failure is attempt
	// 2*MaxPrechargeTries-1 overall; the budget covers that, with headroom.
	runTicks(o, clk, snap, (int(params.TPrechargeCloseTimeoutTick)+300)*(2*params.MaxPrechargeTries-1)+200)

	if !o.IsStringDeactivated(0) {
		t.Fatalf("expected string 0 deactivated after exhausting retries, state=%v", o.GetState())
	}
	if o.GetState() != PhaseError {
		t.Fatalf("expected PhaseError after a string exhausts its retries, got %v", o.GetState())
	}
	if o.IsStringClosed(0) {
		t.Fatal("a deactivated string must not end up closed")
	}
}

// setupOverheadTicks comfortably covers the fixed dispatch/wait ticks
// every precharge attempt spends before reaching the evaluate substate
// (phase bring-up plus the minus/precharge contactor wait windows).
const setupOverheadTicks = int(params.TWaitMinusTicks + params.TWaitPrechargeTicks + 20)

// TestPrechargeEvaluateBoundaryExactlyAtThresholdSucceeds checks the
// exact boundary spelled out for the evaluate substate: a voltage and
// current delta sitting exactly at the threshold succeeds.
func TestPrechargeEvaluateBoundaryExactlyAtThresholdSucceeds(t *testing.T) {
	o, _, clk := newRunningOrchestrator()
	v := int32(400000 - params.PrechargeVoltageThresholdMV)
	snap := flatSnapshot(v, 400000, params.PrechargeCurrentThresholdMA)

	o.RequestMode(ModeNormal)
	runTicks(o, clk, snap, setupOverheadTicks+int(params.TWaitPlusTicks)+int(params.TWaitAfterOpeningPrecharge)+10)

	if !o.IsStringClosed(0) {
		t.Fatalf("expected evaluate to succeed exactly at threshold, got phase=%v substate=%v", o.GetState(), o.GetSubstate())
	}
}

// TestPrechargeEvaluateBoundaryOnePastThresholdFails checks that one
// millivolt past the threshold is treated as a failure, not a success:
// the string must exhaust its evaluate timeout and never close.
func TestPrechargeEvaluateBoundaryOnePastThresholdFails(t *testing.T) {
	o, _, clk := newRunningOrchestrator()
	v := int32(400000 - params.PrechargeVoltageThresholdMV - 1)
	snap := flatSnapshot(v, 400000, params.PrechargeCurrentThresholdMA)

	o.RequestMode(ModeNormal)
	runTicks(o, clk, snap, setupOverheadTicks+int(params.TPrechargeCloseTimeoutTick)+10)

	if o.IsStringClosed(0) {
		t.Fatal("one millivolt past the threshold must not be treated as success")
	}
	if o.GetSubstate() == SubPrechargeClosePlus || o.GetSubstate() == SubPrechargeVerifyPlus {
		t.Fatal("evaluate must not have advanced toward closing the plus contactor")
	}
}

func TestCurrentFlowClassificationAtRestAfterRestTime(t *testing.T) {
	o, _, clk := newRunningOrchestrator()
	snap := flatSnapshot(400000, 400000, 0) // current below IRestThresholdMA throughout

	runTicks(o, clk, snap, int(params.RestTimeMs/params.PackTickMs)+5)

	if o.GetBatterySystemState() != FlowAtRest {
		t.Fatalf("expected FlowAtRest once the current has stayed low past RestTimeMs, got %v", o.GetBatterySystemState())
	}
	if !o.AtRest() {
		t.Fatal("AtRest() must mirror GetBatterySystemState()==FlowAtRest")
	}
}

func TestIllegalRequestAfterInitIsRejected(t *testing.T) {
	o, _, _ := newRunningOrchestrator()
	if err := o.SetStateRequest(ReqInit); err == nil {
		t.Fatal("expected a second init request to be illegal")
	}
}

// TestClearErrorReturnsToIdleAndReactivatesStrings drives a string to
// PhaseError via exhausted precharge retries, then confirms ClearError
// is the only way out: deactivated_strings clears and the orchestrator
// resumes closing strings from PhaseIdle.
func TestClearErrorReturnsToIdleAndReactivatesStrings(t *testing.T) {
	o, _, clk := newRunningOrchestrator()
	snap := flatSnapshot(390000, 400000, 0)
	o.RequestMode(ModeNormal)
	runTicks(o, clk, snap, (int(params.TPrechargeCloseTimeoutTick)+300)*(2*params.MaxPrechargeTries-1)+200)

	if o.GetState() != PhaseError {
		t.Fatalf("setup: expected PhaseError, got %v", o.GetState())
	}

	o.ClearError()

	if o.GetState() != PhaseIdle {
		t.Fatalf("expected PhaseIdle after ClearError, got %v", o.GetState())
	}
	if o.IsStringDeactivated(0) {
		t.Fatal("expected deactivated_strings cleared after ClearError")
	}
}

func TestClearErrorOutsidePhaseErrorIsNoRequestPending(t *testing.T) {
	o, _, _ := newRunningOrchestrator()
	if err := o.ClearError(); err == nil {
		t.Fatal("expected ClearError outside PhaseError to report an error")
	}
}
