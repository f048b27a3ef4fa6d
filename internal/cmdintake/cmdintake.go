// Package cmdintake implements the Command Intake (spec §4.I): decodes
// external wire-format requests into the ExternalCommandSlot (spec §3),
// debounces the pending-mode transition against the request-update
// window, and forwards validated inputs to the pack orchestrator and
// balancing engine. Grounded on the teacher's capability-request
// validate-then-forward shape in services/hal/internal/core/loop.go
// (a decoded request is staged, then applied to exactly the owning
// component), narrowed here to the fixed mode/balancing/clear-flags
// triple this spec names.
package cmdintake

import (
	"sync"

	"bmsfw/internal/balancing"
	"bmsfw/internal/diag"
	"bmsfw/internal/nvm"
	"bmsfw/internal/pack"
	"bmsfw/internal/params"
	"bmsfw/internal/taskhealth"
	"bmsfw/internal/wire"
	"bmsfw/x/clock"
	"bmsfw/x/mathx"
)

// BalancingRequest is the decoded balancing-enable signal, forwarded to
// the balancing engine as a global allow/disallow request.
type BalancingRequest uint8

const (
	BalancingNone BalancingRequest = iota
	BalancingOn
	BalancingOff
)

// Slot is the ExternalCommandSlot (spec §3). PendingMode only changes
// when RequestedMode differs from PrevRequestedMode, or the slot has
// gone stale, matching the spec's debounce invariant.
type Slot struct {
	RequestedMode        pack.RequestedMode
	PrevRequestedMode    pack.RequestedMode
	PendingMode          pack.RequestedMode
	StateCounter         uint32
	TimestampMs          clock.Ms
	ClearPersistentFlags bool
	BalancingEnable      BalancingRequest
	BalancingThresholdMV uint16
}

// Intake is the Command Intake. One instance serves the whole firmware.
type Intake struct {
	mu   sync.Mutex
	slot Slot

	first bool // false until the first frame is ever received, then true

	clk   clock.Source
	pack  *pack.Orchestrator
	bal   *balancing.Engine
	tasks *taskhealth.Monitor
	store *nvm.Store
	bus   *diag.Bus
}

// NewIntake constructs an Intake wired to the components it forwards
// validated requests to.
func NewIntake(clk clock.Source, p *pack.Orchestrator, bal *balancing.Engine, tasks *taskhealth.Monitor, store *nvm.Store, bus *diag.Bus) *Intake {
	return &Intake{clk: clk, pack: p, bal: bal, tasks: tasks, store: store, bus: bus}
}

func mapMode(m wire.RequestMode) pack.RequestedMode {
	switch m {
	case wire.RequestStandby:
		return pack.ModeStandby
	case wire.RequestNormal:
		return pack.ModeNormal
	case wire.RequestCharge:
		return pack.ModeCharge
	default:
		return pack.ModeNone
	}
}

// ReceiveBmsRequest decodes an 8-byte request frame (spec §6.1) and
// applies it: the ExternalCommandSlot update is the critical section
// named in spec §5 ("ExternalCommandSlot update is a critical section;
// readers latch a snapshot under the same section").
func (in *Intake) ReceiveBmsRequest(frameBytes []byte) {
	rf := wire.DecodeRequestFrame(frameBytes)
	now := in.clk.NowMs()
	mode := mapMode(rf.Mode)

	in.mu.Lock()
	stale := !in.first || clock.ElapsedSince(in.slot.TimestampMs, now) > params.RequestUpdateWindowMs
	in.slot.PrevRequestedMode = in.slot.RequestedMode
	in.slot.RequestedMode = mode
	if mode != in.slot.PrevRequestedMode || stale {
		in.slot.PendingMode = mode
	}
	in.slot.TimestampMs = now
	in.slot.StateCounter++
	in.slot.ClearPersistentFlags = rf.ClearPersistentFlags
	in.slot.BalancingThresholdMV = uint16(mathx.Clamp(int(rf.BalancingThresholdMV), 0, 65535))
	if rf.BalancingEnable {
		in.slot.BalancingEnable = BalancingOn
	} else {
		in.slot.BalancingEnable = BalancingOff
	}
	in.first = true

	pending := in.slot.PendingMode
	clearFlags := in.slot.ClearPersistentFlags
	balReq := in.slot.BalancingEnable
	thresholdMV := in.slot.BalancingThresholdMV
	in.mu.Unlock()

	in.pack.RequestMode(pending)

	switch balReq {
	case BalancingOn:
		in.bal.SetStateRequest(balancing.ReqGlobalEnable)
	case BalancingOff:
		in.bal.SetStateRequest(balancing.ReqGlobalDisable)
	}
	in.bal.SetThresholdMV(int32(thresholdMV))

	if clearFlags {
		in.clearPersistentFlags()
	}
}

// clearPersistentFlags implements the clear_persistent_flags bit's
// effect (spec §4.I, spec.md:256/:129 "error is absorbing until external
// reset"): clear per-string deep-discharge diagnostics, every task's
// timing violations, and the pack orchestrator's latched error.
func (in *Intake) clearPersistentFlags() {
	for s := 0; s < params.NRStrings; s++ {
		in.bus.Clear(diag.DeepDischargeDetected, diag.SubsystemSoc, s)
	}
	in.store.WriteDeepDischargeFlags(nvm.DeepDischargeFlagsRecord{})
	in.tasks.ClearAllViolations()
	_ = in.pack.ClearError() // errcode.NoRequestPending when the pack isn't in error; nothing to do
}

// Snapshot returns a copy of the current slot, latched under the same
// critical section ReceiveBmsRequest uses.
func (in *Intake) Snapshot() Slot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.slot
}

// CheckDeepDischarge implements the supplemented per-string
// deep-discharge latch (SPEC_FULL §SUPPLEMENTED FEATURES item 1,
// grounded on foxBMS's bal_strategy_voltage.c/sys_mon.c analogues):
// once any cell in a string drops at or below the deep-discharge
// threshold, the latch persists until an external clear_persistent_flags
// request, regardless of subsequent recovery.
func (in *Intake) CheckDeepDischarge(minCellMV func(s int) int32) {
	rec, _ := in.store.ReadDeepDischargeFlags()
	dirty := false
	for s := 0; s < params.NRStrings; s++ {
		bit := uint8(1) << uint(s)
		if rec.LatchedMask&bit != 0 {
			continue
		}
		if minCellMV(s) <= params.DeepDischargeVoltageMV {
			rec.LatchedMask |= bit
			in.bus.Report(diag.DeepDischargeDetected, diag.SeverityNotOK, diag.SubsystemSoc, s)
			dirty = true
		}
	}
	if dirty {
		in.store.WriteDeepDischargeFlags(rec)
	}
}
