// Package diag implements the Diagnostics Bus (spec §4.C, §7): a sink for
// (event-id, severity, subsystem, index) tuples that latches fatal flags
// and exposes a single rising-edge-detectable fatal aggregate to the pack
// orchestrator. The physical transport that mirrors these events onto an
// external telemetry bus is out of scope — Bus only owns the latching and
// aggregation logic named in §4.C, grounded on the teacher's capability
// status de-chatter pattern in services/hal/internal/core/loop.go
// (pubStatus suppresses republication of an unchanged state).
package diag

import (
	"sync"

	"bmsfw/x/clock"
)

// Severity mirrors the spec's severity enum exactly.
type Severity uint8

const (
	SeverityOK Severity = iota
	SeverityNotOK
)

// EventID enumerates the error taxonomy of spec §7.
type EventID uint8

const (
	CurrentMeasurementTimeout EventID = iota
	CoulombCounterTimeout
	CellVoltageInvalid
	CellTemperatureInvalid
	AfeCommunicationSpi
	AfeCommunicationCrc
	OpenWireDetected
	PlausibilityCellVoltage
	PlausibilityCellTemperature
	PlausibilityPackVoltage
	ContactorFeedbackMismatch
	ContactorPositivePathFault
	ContactorNegativePathFault
	PrechargeAbortedDueToVoltage
	PrechargeAbortedDueToCurrent
	IllegalRequest
	TaskTimingViolation
	InterlockOpened
	MainFuseBlown
	CriticalLowInsulationResistance
	NvmReadCrcError
	NvmWriteError
	OvercurrentFault
	OvervoltageFault
	OvertemperatureFault
	DeepDischargeDetected

	numEventIDs
)

// Subsystem names the reporting component, purely for telemetry grouping.
type Subsystem string

const (
	SubsystemAfe        Subsystem = "afe"
	SubsystemPack       Subsystem = "pack"
	SubsystemBalancing  Subsystem = "balancing"
	SubsystemSoc        Subsystem = "soc"
	SubsystemTaskHealth Subsystem = "task_health"
	SubsystemNvm        Subsystem = "nvm"
	SubsystemCmdIntake  Subsystem = "cmd_intake"
	SubsystemInterlock  Subsystem = "interlock"
)

// EventConfig is the static, compile-time-known configuration of a single
// event id: the severity at which it latches, its cooldown window (the
// minimum gap between two re-reports before a fresh "first-active" window
// starts), whether it contributes to the fatal aggregate, and — for the
// transient-sensor/timeout category (§7) — how long it must stay latched
// before it counts as fatal.
type EventConfig struct {
	LatchAt           Severity
	CooldownMs        uint32
	Fatal             bool
	FatalAfterLatchMs uint32 // 0 => fatal immediately on latch
	ErrorDelayMs      uint32 // §4.H.7 per-event minimum active delay
}

// DefaultConfigs is the compile-time event table. Transient sensor/timeout
// events only become fatal once latched past their tolerance; plausibility,
// state-machine-guard, and overlimit events are fatal immediately.
var DefaultConfigs = map[EventID]EventConfig{
	CurrentMeasurementTimeout:       {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 2000, ErrorDelayMs: 500},
	CoulombCounterTimeout:           {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	CellVoltageInvalid:              {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 1000, ErrorDelayMs: 500},
	CellTemperatureInvalid:          {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 1000, ErrorDelayMs: 500},
	AfeCommunicationSpi:             {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 500, ErrorDelayMs: 200},
	AfeCommunicationCrc:             {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 500, ErrorDelayMs: 200},
	OpenWireDetected:                {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 200},
	PlausibilityCellVoltage:         {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 100},
	PlausibilityCellTemperature:     {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 100},
	PlausibilityPackVoltage:         {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 100},
	ContactorFeedbackMismatch:       {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 200},
	ContactorPositivePathFault:      {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 200},
	ContactorNegativePathFault:      {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 200},
	PrechargeAbortedDueToVoltage:    {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	PrechargeAbortedDueToCurrent:    {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	IllegalRequest:                  {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	TaskTimingViolation:             {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	InterlockOpened:                 {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 0},
	MainFuseBlown:                   {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 0},
	CriticalLowInsulationResistance: {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 300},
	NvmReadCrcError:                 {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	NvmWriteError:                   {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
	OvercurrentFault:                {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 0},
	OvervoltageFault:                {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 0},
	OvertemperatureFault:            {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: true, FatalAfterLatchMs: 0, ErrorDelayMs: 0},
	DeepDischargeDetected:           {LatchAt: SeverityNotOK, CooldownMs: 0, Fatal: false},
}

type key struct {
	event     EventID
	subsystem Subsystem
	index     int
}

type state struct {
	active      bool
	firstActive clock.Ms
	lastReport  clock.Ms
	persistent  bool // survives until an explicit clear/clear_all_persistent
}

// Bus is the in-memory latch table. A production build wires Source to
// the cooperative task runtime's tick; tests supply a fake.
type Bus struct {
	mu      sync.Mutex
	configs map[EventID]EventConfig
	states  map[key]*state
	clk     clock.Source
}

// NewBus constructs a Bus with the given event configuration table and
// tick source. Pass DefaultConfigs unless a scenario needs to override
// cooldowns or tolerances.
func NewBus(configs map[EventID]EventConfig, clk clock.Source) *Bus {
	return &Bus{
		configs: configs,
		states:  make(map[key]*state),
		clk:     clk,
	}
}

// Report records one (event, severity, subsystem, index) observation.
// Idempotent under repeated reports of the same severity: re-reporting
// SeverityNotOK while already latched only bumps lastReport, it does not
// reset firstActive (which would reset the fatal-after-latch timer and
// mask a real persistent fault) — unless the event's configured
// CooldownMs has elapsed since the last report, in which case this
// report starts a fresh occurrence rather than extending the old one.
func (b *Bus) Report(event EventID, sev Severity, subsystem Subsystem, index int) {
	cfg := b.configs[event]
	k := key{event: event, subsystem: subsystem, index: index}
	now := b.clk.NowMs()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.states[k]
	if st == nil {
		st = &state{}
		b.states[k] = st
	}

	if sev == cfg.LatchAt {
		if !st.active {
			st.active = true
			st.firstActive = now
			st.persistent = true
		} else if cfg.CooldownMs > 0 && clock.ElapsedSince(st.lastReport, now) >= cfg.CooldownMs {
			// cooldown elapsed since the last report of an already-active
			// event: treat this as a fresh occurrence rather than a
			// continuation, restarting the fatal-after-latch timer.
			st.firstActive = now
		}
		st.lastReport = now
		return
	}

	// Recovery report (severity != LatchAt): non-fatal events clear
	// immediately; fatal ones stay latched until Clear or
	// ClearAllPersistent.
	if !cfg.Fatal {
		st.active = false
	}
}

// Clear removes the latch for one (event, subsystem, index) tuple
// unconditionally, as driven by an external reset request.
func (b *Bus) Clear(event EventID, subsystem Subsystem, index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key{event: event, subsystem: subsystem, index: index})
}

// ClearAllPersistent clears every currently latched event whose config
// marks it persistent (everything reported at LatchAt severity). Repeated
// calls after the first are a no-op until a new violation is reported,
// per the testable idempotence law in spec §8.
func (b *Bus) ClearAllPersistent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, st := range b.states {
		if st.persistent {
			delete(b.states, k)
		}
	}
}

// IsAnyFatalSet reports whether any event configured Fatal=true is
// currently latched long enough to exceed its FatalAfterLatchMs tolerance.
func (b *Bus) IsAnyFatalSet() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.NowMs()
	for k, st := range b.states {
		if !st.active {
			continue
		}
		cfg := b.configs[k.event]
		if !cfg.Fatal {
			continue
		}
		if clock.ElapsedSince(st.firstActive, now) >= cfg.FatalAfterLatchMs {
			return true
		}
	}
	return false
}

// FiringFatalDelaysMs returns the ErrorDelayMs of every currently-firing
// fatal event, for §4.H.7's "minimum active delay across the firing fatal
// events" computation.
func (b *Bus) FiringFatalDelaysMs() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.NowMs()
	var delays []uint32
	for k, st := range b.states {
		if !st.active {
			continue
		}
		cfg := b.configs[k.event]
		if !cfg.Fatal {
			continue
		}
		if clock.ElapsedSince(st.firstActive, now) >= cfg.FatalAfterLatchMs {
			delays = append(delays, cfg.ErrorDelayMs)
		}
	}
	return delays
}

// IsActive reports whether event is currently latched for any subsystem
// or index, for status-frame encoding (spec §6.2) where a single summary
// bit must reflect an event regardless of which string raised it.
func (b *Bus) IsActive(event EventID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, st := range b.states {
		if k.event == event && st.active {
			return true
		}
	}
	return false
}
