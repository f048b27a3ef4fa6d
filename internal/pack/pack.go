// Package pack implements the Pack Orchestrator (spec §4.H): the master
// state machine sequencing precharge and string-closing across
// NR_STRINGS parallel strings, propagating fatal diagnostics into a
// delayed safe-open, and classifying pack-level current flow. Grounded
// on the teacher's phase-driven HAL service loop
// (services/hal/internal/core/loop.go) and its timer/re-entrance-guard
// idioms (services/hal/timerutil.go, gpio_worker.go), generalized from a
// two-or-three-phase device loop to the full precharge/close/open
// sequencing graph this spec names.
package pack

import (
	"sync"
	"sync/atomic"

	"bmsfw/errcode"
	"bmsfw/internal/diag"
	"bmsfw/internal/measure"
	"bmsfw/internal/nvm"
	"bmsfw/internal/params"
	"bmsfw/x/clock"
	"bmsfw/x/mathx"
)

// Phase is the top-level pack state (spec §4.H.1).
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseInitialization
	PhaseInitialized
	PhaseIdle
	PhaseStandby
	PhasePrecharge
	PhaseNormal
	PhaseCharge
	PhaseOpenContactors
	PhaseError
)

// Substate enumerates the steps used within PhasePrecharge and
// PhaseOpenContactors (spec §4.H.2).
type Substate uint8

const (
	SubNone Substate = iota
	SubPrechargeCloseMinus
	SubPrechargeVerifyMinus
	SubPrechargeClosePrecharge
	SubPrechargeEvaluate
	SubPrechargeClosePlus
	SubPrechargeVerifyPlus
	SubPrechargeOpenPrecharge
	SubPrechargeRetryWait
	SubNextStringSettle
	SubOpenStringSequence
	SubClampSupplyLoss
)

// RequestedMode is the external mode request forwarded by command
// intake (spec §4.I).
type RequestedMode uint8

const (
	ModeNone RequestedMode = iota
	ModeStandby
	ModeNormal
	ModeCharge
)

// CurrentFlowState classifies the pack's present current direction
// (spec §4.H.8).
type CurrentFlowState uint8

const (
	FlowAtRest CurrentFlowState = iota
	FlowCharging
	FlowDischarging
	FlowRelaxation
)

// Request is a top-level orchestrator request (spec §4.H, mirrors the
// balancing engine's init-gated request shape).
type Request uint8

const (
	ReqInit Request = iota
)

type stringRuntime struct {
	oscillationUntilTick uint32 // pack ticks; 0 == no cooldown active
	lastOpenTick         uint32
	closed               bool
	prechargeTryCount    int // retries are counted per string, not globally
}

// Orchestrator is the Pack Orchestrator. One instance owns every
// string's contactor sequencing.
type Orchestrator struct {
	mu sync.Mutex

	phase    Phase
	substate Substate

	timerTicks       uint32
	evalTimeoutTicks uint32 // remaining precharge-evaluate ticks

	tickCounter uint32 // monotonic pack-tick counter, for oscillation windows

	desiredMode RequestedMode

	closedStrings      uint32 // bitset
	deactivatedStrings uint32 // bitset
	strings            [params.NRStrings]stringRuntime

	prechargeString int

	transitionToError      bool
	errorDelayRemainingMs  uint32

	dischargeCurrentPositive bool
	currentFlow              CurrentFlowState
	lowCurrentSinceMs        clock.Ms
	wasActiveFlow            bool
	activeToLowAtMs          clock.Ms

	illegalRequestCount uint32

	entryCounter int32

	contactors ContactorIO
	bus        *diag.Bus
	store      *nvm.Store
}

// NewOrchestrator constructs an Orchestrator. store may be nil in tests
// that don't exercise the persisted contactor-flags record; production
// callers always pass the shared nvm.Store.
func NewOrchestrator(contactors ContactorIO, bus *diag.Bus, store *nvm.Store, dischargeCurrentPositive bool) *Orchestrator {
	return &Orchestrator{
		phase:                    PhaseUninitialized,
		contactors:               contactors,
		bus:                      bus,
		store:                    store,
		dischargeCurrentPositive: dischargeCurrentPositive,
	}
}

// LastPersistedClosedMask returns the per-string closed-contactor bitset
// recorded at last shutdown (§6.3 "contactor_flags"), read fresh from
// the store. Callers use this to reconstruct the cyclic transmit state
// detail frame immediately after a reboot, before the orchestrator's
// own closedStrings bitset (which always starts at zero, matching the
// hardware's fail-safe-open reset state) reflects anything real.
func (o *Orchestrator) LastPersistedClosedMask() uint8 {
	if o.store == nil {
		return 0
	}
	rec, err := o.store.ReadContactorFlags()
	if err != nil {
		return 0
	}
	return rec.ClosedMask
}

func (o *Orchestrator) persistContactorFlagsLocked() {
	if o.store == nil {
		return
	}
	o.store.WriteContactorFlags(nvm.ContactorFlagsRecord{ClosedMask: uint8(o.closedStrings)})
}

// SetStateRequest validates and applies a top-level request.
func (o *Orchestrator) SetStateRequest(req Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch req {
	case ReqInit:
		if o.phase != PhaseUninitialized {
			o.illegalRequestCount++
			o.bus.Report(diag.IllegalRequest, diag.SeverityNotOK, diag.SubsystemPack, 0)
			return errcode.AlreadyActive
		}
		o.phase = PhaseInitialization
		return nil
	default:
		o.illegalRequestCount++
		o.bus.Report(diag.IllegalRequest, diag.SeverityNotOK, diag.SubsystemPack, 0)
		return errcode.IllegalRequest
	}
}

// ClearError implements the external reset named by the clear_persistent_
// flags request (spec §4.H.6, §4.I): error is absorbing until this is
// called, at which point deactivated_strings and the phase itself clear
// and the orchestrator re-enters PhaseIdle to pick up string closing
// again from stepStandbyLocked. Outside PhaseError there is nothing to
// clear, so a clear_persistent_flags frame received while the pack is
// healthy returns errcode.NoRequestPending and never disturbs an
// in-progress precharge or closed phase.
func (o *Orchestrator) ClearError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseError {
		return errcode.NoRequestPending
	}
	o.phase = PhaseIdle
	o.substate = SubNone
	o.deactivatedStrings = 0
	for i := range o.strings {
		o.strings[i].prechargeTryCount = 0
		o.strings[i].oscillationUntilTick = 0
		o.strings[i].lastOpenTick = 0
	}
	return nil
}

// RequestMode forwards command intake's desired mode (spec §4.I → §4.H
// data flow: "I writes request-slots consumed by H").
func (o *Orchestrator) RequestMode(mode RequestedMode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.desiredMode = mode
}

// AtRest implements restobs.PackObserver for the balancing engine and
// SOC estimator.
func (o *Orchestrator) AtRest() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentFlow == FlowAtRest
}

// GetState returns the top-level phase.
func (o *Orchestrator) GetState() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// GetSubstate returns the current substate.
func (o *Orchestrator) GetSubstate() Substate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.substate
}

// GetBatterySystemState returns the current-flow classification.
func (o *Orchestrator) GetBatterySystemState() CurrentFlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentFlow
}

// IsStringClosed reports whether string s's contactors are all closed.
func (o *Orchestrator) IsStringClosed(s params.StringIndex) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closedStrings&(1<<uint(s)) != 0
}

// IsStringPrecharging reports whether string s is the one currently
// sequencing through PhasePrecharge.
func (o *Orchestrator) IsStringPrecharging(s params.StringIndex) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == PhasePrecharge && o.prechargeString == int(s)
}

// NumberOfConnectedStrings returns the count of currently closed
// strings.
func (o *Orchestrator) NumberOfConnectedStrings() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for i := 0; i < params.NRStrings; i++ {
		if o.closedStrings&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// IsTransitionToErrorActive reports whether a fatal-fault delayed
// transition is currently counting down.
func (o *Orchestrator) IsTransitionToErrorActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionToError
}

// IsStringDeactivated reports whether string s was excluded from
// further closing attempts after a fault.
func (o *Orchestrator) IsStringDeactivated(s params.StringIndex) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deactivatedStrings&(1<<uint(s)) != 0
}

// PrechargeTryCount reports string s's current retry count, reset to
// zero on either a successful close or a final give-up.
func (o *Orchestrator) PrechargeTryCount(s params.StringIndex) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.strings[s].prechargeTryCount
}

// GetCurrentFlowDirection classifies one instantaneous current reading
// against the fixed polarity contract, independent of the rest-timer
// state tracked by updateCurrentFlowLocked.
func (o *Orchestrator) GetCurrentFlowDirection(currentMA int32) CurrentFlowState {
	if currentMA == 0 {
		return FlowAtRest
	}
	discharging := currentMA > 0
	if !o.dischargeCurrentPositive {
		discharging = !discharging
	}
	if discharging {
		return FlowDischarging
	}
	return FlowCharging
}

// Trigger runs the tick contract (spec §4.H.3): invoked exactly once
// per 10 ms. Re-entrance is refused via an atomic guard. Fatal-fault
// polling and current-flow classification run every tick, even while a
// wait timer is counting down; phase/substate handlers only run once
// the timer reaches zero (or, in the evaluate substate, every tick).
func (o *Orchestrator) Trigger(snap *measure.Snapshot, now clock.Ms) {
	if !atomic.CompareAndSwapInt32(&o.entryCounter, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&o.entryCounter, 0)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.tickCounter++
	o.pollFatalLocked(now)
	o.updateCurrentFlowLocked(snap, now)

	if o.transitionToError {
		o.stepErrorDelayLocked(now)
		return
	}

	if o.substate == SubPrechargeEvaluate {
		o.stepPrechargeEvaluateLocked(snap)
		return
	}

	if o.timerTicks > 0 {
		o.timerTicks--
		return
	}

	o.dispatchPhaseLocked(snap)
}

func (o *Orchestrator) pollFatalLocked(now clock.Ms) {
	if o.transitionToError {
		return
	}
	if !o.bus.IsAnyFatalSet() {
		return
	}
	o.transitionToError = true
	delay := minDelayMs(o.bus.FiringFatalDelaysMs())
	o.errorDelayRemainingMs = delay
}

func minDelayMs(delays []uint32) uint32 {
	if len(delays) == 0 {
		return 0
	}
	min := delays[0]
	for _, d := range delays[1:] {
		if d < min {
			min = d
		}
	}
	return min
}

func (o *Orchestrator) stepErrorDelayLocked(now clock.Ms) {
	if o.errorDelayRemainingMs > params.PackTickMs {
		o.errorDelayRemainingMs -= params.PackTickMs
		return
	}
	o.errorDelayRemainingMs = 0
	o.openAllStringsLocked(now)
	o.phase = PhaseError
	o.substate = SubNone
	o.transitionToError = false
}

func (o *Orchestrator) openAllStringsLocked(now clock.Ms) {
	for i := 0; i < params.NRStrings; i++ {
		if o.closedStrings&(1<<uint(i)) == 0 {
			continue
		}
		s := params.StringIndex(i)
		o.contactors.CommandPlus(s, CmdOpen)
		o.contactors.CommandMinus(s, CmdOpen)
		o.contactors.CommandPrecharge(s, CmdOpen)
		o.closedStrings &^= 1 << uint(i)
		o.strings[i].closed = false
		o.strings[i].lastOpenTick = o.tickCounter
		o.strings[i].oscillationUntilTick = o.tickCounter + params.OscillationTimeoutTicks
	}
	o.persistContactorFlagsLocked()
}

func (o *Orchestrator) dispatchPhaseLocked(snap *measure.Snapshot) {
	switch o.phase {
	case PhaseUninitialized:
		// waits for ReqInit
	case PhaseInitialization:
		o.phase = PhaseInitialized
	case PhaseInitialized:
		o.phase = PhaseIdle
	case PhaseIdle:
		o.phase = PhaseStandby
	case PhaseStandby:
		o.stepStandbyLocked(snap)
	case PhasePrecharge:
		o.stepPrechargeDispatchLocked(snap)
	case PhaseNormal, PhaseCharge:
		o.stepClosedLocked(snap)
	case PhaseOpenContactors:
		o.phase = PhaseIdle
	case PhaseError:
		// absorbing; only ClearError (external reset) leaves this phase.
	}
}

// stepStandbyLocked picks the next eligible string to close, per the
// mode-dependent selection policy, and begins its precharge sequence.
func (o *Orchestrator) stepStandbyLocked(snap *measure.Snapshot) {
	if o.desiredMode != ModeNormal && o.desiredMode != ModeCharge {
		return
	}
	next, ok := o.selectNextStringLocked(snap)
	if !ok {
		if o.NumberOfConnectedStringsLocked() > 0 {
			o.enterTargetPhaseLocked()
		}
		return
	}
	o.beginPrechargeLocked(next)
}

func (o *Orchestrator) NumberOfConnectedStringsLocked() int {
	n := 0
	for i := 0; i < params.NRStrings; i++ {
		if o.closedStrings&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

func (o *Orchestrator) enterTargetPhaseLocked() {
	if o.desiredMode == ModeCharge {
		o.phase = PhaseCharge
	} else {
		o.phase = PhaseNormal
	}
	o.substate = SubNone
}

// selectNextStringLocked implements §4.H.5's selection policy: normal
// mode prefers the string closest in voltage to the pack voltage first,
// charge mode prefers the lowest-voltage string first. Deactivated
// strings and strings still inside their oscillation cooldown are
// excluded.
func (o *Orchestrator) selectNextStringLocked(snap *measure.Snapshot) (int, bool) {
	best := -1
	bestScore := int64(0)
	for i := 0; i < params.NRStrings; i++ {
		if o.closedStrings&(1<<uint(i)) != 0 {
			continue
		}
		if o.deactivatedStrings&(1<<uint(i)) != 0 {
			continue
		}
		if o.strings[i].oscillationUntilTick != 0 && o.tickCounter < o.strings[i].oscillationUntilTick {
			continue
		}
		v := int64(snap.Strings[i].StringVoltageMV)
		var score int64
		if o.desiredMode == ModeCharge {
			score = v // lowest voltage wins: smaller score is better
		} else {
			diff := v - int64(snap.Pack.PackVoltageMV)
			if diff < 0 {
				diff = -diff
			}
			score = diff // closest to pack voltage wins
		}
		if best == -1 || score < bestScore {
			best = i
			bestScore = score
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (o *Orchestrator) beginPrechargeLocked(s int) {
	o.prechargeString = s
	o.phase = PhasePrecharge
	o.substate = SubPrechargeCloseMinus
	o.contactors.CommandMinus(params.StringIndex(s), CmdClose)
	o.timerTicks = params.TWaitMinusTicks
}

func (o *Orchestrator) stepPrechargeDispatchLocked(snap *measure.Snapshot) {
	s := params.StringIndex(o.prechargeString)
	switch o.substate {
	case SubPrechargeCloseMinus:
		o.substate = SubPrechargeVerifyMinus
		o.dispatchPhaseLocked(snap) // fall through immediately, timer already drained
	case SubPrechargeVerifyMinus:
		if o.contactors.FeedbackMinus(s) != FeedbackClosed {
			o.bus.Report(diag.ContactorNegativePathFault, diag.SeverityNotOK, diag.SubsystemPack, int(s))
			o.failPrechargeLocked(s)
			return
		}
		o.contactors.CommandPrecharge(s, CmdClose)
		o.substate = SubPrechargeClosePrecharge
		o.timerTicks = params.TWaitPrechargeTicks
	case SubPrechargeClosePrecharge:
		o.substate = SubPrechargeEvaluate
		o.evalTimeoutTicks = params.TPrechargeCloseTimeoutTick
	case SubPrechargeClosePlus:
		if o.contactors.FeedbackPlus(s) != FeedbackClosed {
			o.bus.Report(diag.ContactorPositivePathFault, diag.SeverityNotOK, diag.SubsystemPack, int(s))
			o.failPrechargeLocked(s)
			return
		}
		o.contactors.CommandPrecharge(s, CmdOpen)
		o.substate = SubPrechargeOpenPrecharge
		o.timerTicks = params.TWaitAfterOpeningPrecharge
	case SubPrechargeOpenPrecharge:
		o.completeStringCloseLocked(s, snap)
	case SubPrechargeRetryWait:
		o.contactors.CommandMinus(s, CmdOpen)
		o.strings[s].lastOpenTick = o.tickCounter
		o.strings[s].oscillationUntilTick = o.tickCounter + params.OscillationTimeoutTicks
		o.phase = PhaseStandby
		o.substate = SubNone
	}
}

func (o *Orchestrator) stepPrechargeEvaluateLocked(snap *measure.Snapshot) {
	s := params.StringIndex(o.prechargeString)
	frame := &snap.Strings[s]
	diffMV := mathx.Abs(frame.StringVoltageMV - snap.Pack.PackVoltageMV)
	currAbs := mathx.Abs(frame.CurrentMA)

	if diffMV <= params.PrechargeVoltageThresholdMV && currAbs <= params.PrechargeCurrentThresholdMA {
		o.contactors.CommandPlus(s, CmdClose)
		o.substate = SubPrechargeClosePlus
		o.timerTicks = params.TWaitPlusTicks
		return
	}

	if o.evalTimeoutTicks == 0 {
		if diffMV > params.PrechargeVoltageThresholdMV {
			o.bus.Report(diag.PrechargeAbortedDueToVoltage, diag.SeverityNotOK, diag.SubsystemPack, int(s))
		} else {
			o.bus.Report(diag.PrechargeAbortedDueToCurrent, diag.SeverityNotOK, diag.SubsystemPack, int(s))
		}
		o.failPrechargeLocked(s)
		return
	}
	o.evalTimeoutTicks--
}

func (o *Orchestrator) failPrechargeLocked(s params.StringIndex) {
	o.contactors.CommandPrecharge(s, CmdOpen)
	o.strings[s].prechargeTryCount++
	if o.strings[s].prechargeTryCount < params.MaxPrechargeTries {
		o.substate = SubPrechargeRetryWait
		o.timerTicks = params.TWaitAfterPrechargeFail
		return
	}
	o.contactors.CommandMinus(s, CmdOpen)
	o.deactivatedStrings |= 1 << uint(s)
	o.strings[s].prechargeTryCount = 0
	o.phase = PhaseError
	o.substate = SubNone
}

// completeStringCloseLocked finishes a string's precharge sequence and
// always moves into the operating phase (Normal or Charge); any
// additional strings join from there via stepClosedLocked, after one
// settle window (spec §4.H.5's next_string_closed_timer).
func (o *Orchestrator) completeStringCloseLocked(s params.StringIndex, snap *measure.Snapshot) {
	o.closedStrings |= 1 << uint(s)
	o.strings[s].closed = true
	o.strings[s].oscillationUntilTick = 0
	o.strings[s].prechargeTryCount = 0
	o.substate = SubNone
	o.enterTargetPhaseLocked()
	o.timerTicks = params.NextStringClosedTimerTicks
	o.persistContactorFlagsLocked()
}

// stepClosedLocked re-checks, once per settle window, whether another
// string can be brought in while already in Normal/Charge. Both guards
// only postpone the next attempt; neither permanently gives up on
// closing further strings (spec §4.H.5: the guards gate a retry, not a
// one-shot decision).
func (o *Orchestrator) stepClosedLocked(snap *measure.Snapshot) {
	next, ok := o.selectNextStringLocked(snap)
	if !ok {
		o.timerTicks = params.NextStringClosedTimerTicks
		return
	}
	diffMV := mathx.Abs(snap.Strings[next].StringVoltageMV - o.averageClosedVoltageLocked(snap))
	if diffMV > params.NextStringVoltageLimitMV {
		o.timerTicks = params.NextStringClosedTimerTicks
		return
	}
	avgCurrent := o.averageStringCurrentLocked(snap)
	if mathx.Abs(avgCurrent) > params.AverageStringCurrentLimitMA {
		o.timerTicks = params.NextStringClosedTimerTicks
		return
	}
	o.phase = PhaseStandby
	o.beginPrechargeLocked(next)
}

func (o *Orchestrator) averageClosedVoltageLocked(snap *measure.Snapshot) int32 {
	n := o.NumberOfConnectedStringsLocked()
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < params.NRStrings; i++ {
		if o.closedStrings&(1<<uint(i)) != 0 {
			sum += int64(snap.Strings[i].StringVoltageMV)
		}
	}
	return int32(sum / int64(n))
}

func (o *Orchestrator) averageStringCurrentLocked(snap *measure.Snapshot) int32 {
	n := o.NumberOfConnectedStringsLocked()
	if n == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < params.NRStrings; i++ {
		if o.closedStrings&(1<<uint(i)) != 0 {
			sum += int64(snap.Strings[i].CurrentMA)
		}
	}
	return int32(sum / int64(n))
}

// updateCurrentFlowLocked classifies current-flow state every tick
// (spec §4.H.8). snap.Pack.PackCurrentMA is the signal evaluated.
func (o *Orchestrator) updateCurrentFlowLocked(snap *measure.Snapshot, now clock.Ms) {
	currentMA := snap.Pack.PackCurrentMA
	lowMagnitude := mathx.Abs(currentMA) < params.IRestThresholdMA

	if !lowMagnitude {
		o.lowCurrentSinceMs = 0
		o.wasActiveFlow = true
		o.activeToLowAtMs = 0
		o.currentFlow = o.directionLocked(currentMA)
		return
	}

	if o.lowCurrentSinceMs == 0 {
		o.lowCurrentSinceMs = now
	}
	if o.wasActiveFlow && o.activeToLowAtMs == 0 {
		o.activeToLowAtMs = now
	}

	elapsedLow := clock.ElapsedSince(o.lowCurrentSinceMs, now)
	if elapsedLow >= params.RestTimeMs {
		o.currentFlow = FlowAtRest
		o.wasActiveFlow = false
		return
	}

	if o.activeToLowAtMs != 0 && clock.ElapsedSince(o.activeToLowAtMs, now) < params.RelaxationTimeMs {
		o.currentFlow = FlowRelaxation
		return
	}

	o.currentFlow = o.directionLocked(currentMA)
}

func (o *Orchestrator) directionLocked(currentMA int32) CurrentFlowState {
	if currentMA == 0 {
		return FlowAtRest
	}
	discharging := currentMA > 0
	if !o.dischargeCurrentPositive {
		discharging = !discharging
	}
	if discharging {
		return FlowDischarging
	}
	return FlowCharging
}
