// Package balancing implements the Balancing Engine (spec §4.G): the
// per-string cell-selection state machine that engages bleed resistors
// while the pack is at rest, under voltage/temperature/current guards.
// Grounded on the teacher's HAL state-machine shape in
// services/hal/internal/core/loop.go (phase/substate driven by a single
// trigger entrypoint, re-entrance guarded by a counter) and its
// critical-section discipline in gpio_worker.go.
package balancing

import (
	"sync"
	"sync/atomic"

	"bmsfw/errcode"
	"bmsfw/internal/diag"
	"bmsfw/internal/measure"
	"bmsfw/internal/params"
	"bmsfw/internal/restobs"
)

// Phase is the top-level balancing phase (spec §4.G).
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseInitialization
	PhaseInitialized
	PhaseCheckBalancing
	PhaseBalancing
	PhaseError
)

// Substate enumerates the steps within PhaseBalancing.
type Substate uint8

const (
	SubEntry Substate = iota
	SubCheckLowestVoltage
	SubCheckCurrent
	SubActivate
)

// Request is one external state-transition request (spec §4.G).
type Request uint8

const (
	ReqInit Request = iota
	ReqGlobalEnable
	ReqGlobalDisable
)

// CellActivation is the fixed-size resistor-bleed activation map.
type CellActivation [params.NRStrings][params.NRModulesPerString][params.NRCellBlocksPerModule]bool

// Engine is the Balancing Engine. One instance serves the whole pack.
type Engine struct {
	mu sync.Mutex

	phase    Phase
	substate Substate

	globallyAllowed bool
	locallyAllowed  bool

	baseThresholdMV   int32
	actingThresholdMV int32
	active            bool
	activate          CellActivation
	balancedCount     int

	illegalRequestCount uint32

	// hysteresisPersists resolves the spec's open question about whether
	// the reduced sweep threshold survives a return to check_balancing.
	// false (default): the acting threshold resets to base+hysteresis
	// whenever a fresh balancing session is entered from check_balancing.
	hysteresisPersists bool

	entryCounter int32 // trigger() re-entrance guard

	bus  *diag.Bus
	pack restobs.PackObserver
}

// NewEngine constructs an Engine. hysteresisPersists selects between the
// two documented interpretations of the activate-sweep threshold's
// lifetime across balancing sessions.
func NewEngine(bus *diag.Bus, pack restobs.PackObserver, baseThresholdMV int32, hysteresisPersists bool) *Engine {
	return &Engine{
		phase:              PhaseUninitialized,
		locallyAllowed:     true,
		baseThresholdMV:    baseThresholdMV,
		actingThresholdMV:  baseThresholdMV + params.BalancingHysteresisMV,
		hysteresisPersists: hysteresisPersists,
		bus:                bus,
		pack:               pack,
	}
}

// SetStateRequest validates and applies an external request. Only
// ReqInit from PhaseUninitialized is honored from that phase; any other
// non-trivial request outside its valid phase is counted illegal and
// ignored.
func (e *Engine) SetStateRequest(req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch req {
	case ReqInit:
		if e.phase != PhaseUninitialized {
			e.illegalRequestCount++
			e.bus.Report(diag.IllegalRequest, diag.SeverityNotOK, diag.SubsystemBalancing, 0)
			return errcode.IllegalRequest
		}
		e.phase = PhaseInitialization
		return nil
	case ReqGlobalEnable:
		e.globallyAllowed = true
		return nil
	case ReqGlobalDisable:
		if !e.globallyAllowed {
			return nil // already disabled: idempotent no-op per §8
		}
		e.globallyAllowed = false
		e.deactivateAllLocked()
		return nil
	default:
		e.illegalRequestCount++
		e.bus.Report(diag.IllegalRequest, diag.SeverityNotOK, diag.SubsystemBalancing, 0)
		return errcode.IllegalRequest
	}
}

func (e *Engine) deactivateAllLocked() {
	e.active = false
	e.activate = CellActivation{}
	e.balancedCount = 0
}

// SetLocallyAllowed drives the locally_allowed input named in §3 but left
// externally sourced by the spec; defaults to true at construction.
func (e *Engine) SetLocallyAllowed(allowed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locallyAllowed = allowed
	if !allowed {
		e.deactivateAllLocked()
	}
}

// GetInitState reports the top-level phase.
func (e *Engine) GetInitState() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// IsActive reports whether any resistor is currently engaged.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// GetThresholdMV returns the configured base threshold.
func (e *Engine) GetThresholdMV() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseThresholdMV
}

// SetThresholdMV updates the configured base threshold.
func (e *Engine) SetThresholdMV(v int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseThresholdMV = v
}

// IsCellActivated reports whether a given cell block is currently
// selected for bleed.
func (e *Engine) IsCellActivated(s params.StringIndex, module, cellBlock int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activate[s][module][cellBlock]
}

// Trigger advances the machine. Must be invoked at a fixed cadence
// (nominally every 100 ms). Re-entrant calls while a prior trigger is
// still executing return immediately without acting.
func (e *Engine) Trigger(snap *measure.Snapshot) {
	if !atomic.CompareAndSwapInt32(&e.entryCounter, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.entryCounter, 0)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.phase {
	case PhaseUninitialized:
		// waits for ReqInit via SetStateRequest
	case PhaseInitialization:
		e.phase = PhaseInitialized
	case PhaseInitialized:
		e.phase = PhaseCheckBalancing
	case PhaseCheckBalancing:
		e.stepCheckBalancingLocked()
	case PhaseBalancing:
		e.stepBalancingLocked(snap)
	case PhaseError:
		// absorbing; external reset only.
	}
}

func (e *Engine) stepCheckBalancingLocked() {
	if e.locallyAllowed && e.globallyAllowed && e.pack.AtRest() {
		e.phase = PhaseBalancing
		e.substate = SubEntry
		if !e.hysteresisPersists {
			e.actingThresholdMV = e.baseThresholdMV + params.BalancingHysteresisMV
		}
		return
	}
	e.deactivateAllLocked()
}

// stepBalancingLocked runs one check_lowest_voltage->check_current->
// activate sweep per trigger call while in the balancing phase, matching
// the "within two trigger cycles" scenario in §8: one trigger call
// enters PhaseBalancing (stepCheckBalancingLocked), the next completes a
// sweep here. A sweep that selects cells loops back to
// check_lowest_voltage for the next trigger; a sweep that selects none
// returns to check_balancing.
func (e *Engine) stepBalancingLocked(snap *measure.Snapshot) {
	e.substate = SubCheckLowestVoltage
	for s := 0; s < params.NRStrings; s++ {
		frame := &snap.Strings[s]
		if frame.MinCellMV <= params.BalancingLowerVoltageLimitMV ||
			frame.MaxCellTempC >= params.BalancingUpperTemperatureDdegC {
			e.deactivateAllLocked()
			e.phase = PhaseCheckBalancing
			return
		}
	}
	e.substate = SubCheckCurrent

	if !e.pack.AtRest() {
		e.deactivateAllLocked()
		e.phase = PhaseCheckBalancing
		return
	}
	e.substate = SubActivate

	anySelected := false
	for s := 0; s < params.NRStrings; s++ {
		frame := &snap.Strings[s]
		vMin := frame.MinCellMV
		for m := 0; m < params.NRModulesPerString; m++ {
			for cb := 0; cb < params.NRCellBlocksPerModule; cb++ {
				v := frame.CellMV[m][cb]
				if v > vMin+e.actingThresholdMV {
					e.activate[s][m][cb] = true
					anySelected = true
				} else {
					e.activate[s][m][cb] = false
				}
			}
		}
	}

	if anySelected {
		e.active = true
		e.balancedCount++
		if e.actingThresholdMV > params.BalancingHysteresisMV {
			e.actingThresholdMV -= params.BalancingHysteresisMV
		}
		e.substate = SubCheckLowestVoltage // loop: next trigger re-sweeps
		return
	}

	e.active = false
	e.activate = CellActivation{}
	e.actingThresholdMV = e.baseThresholdMV + params.BalancingHysteresisMV
	e.phase = PhaseCheckBalancing
}
