// Package taskhealth implements the Task Health Monitor (spec §4.E):
// per-task enter/exit bookkeeping, overrun detection against a declared
// cycle+jitter budget, and a persisted violation shadow flushed
// asynchronously through the Persistent Store. Grounded on the teacher's
// short-critical-section worker state in services/hal/gpio_worker.go,
// generalized from one shared mutex to one mutex per task slot so a
// notify on task A never contends with a notify on task B.
package taskhealth

import (
	"sync"

	"bmsfw/internal/diag"
	"bmsfw/internal/nvm"
	"bmsfw/internal/params"
	"bmsfw/x/clock"
)

// Edge distinguishes task entry from task exit in Notify.
type Edge uint8

const (
	Enter Edge = iota
	Exit
)

type slot struct {
	mu               sync.Mutex
	entryTick        clock.Ms
	exitTick         clock.Ms
	lastDuration     uint32
	violationPersist bool
	recordedDuration uint32
	recordedEntry    uint32
}

// Monitor is the Task Health Monitor. One instance serves every task in
// the fixed enumeration; each task's slot is independently locked.
type Monitor struct {
	slots [params.NumTasks]slot

	store *nvm.Store
	bus   *diag.Bus

	dirtyMu sync.Mutex
	dirty   bool
}

// NewMonitor constructs a Monitor. The persisted shadow is loaded lazily
// by the caller via LoadPersisted, matching the NVM interface's "a failed
// read returns a default record" contract (§4.B).
func NewMonitor(store *nvm.Store, bus *diag.Bus) *Monitor {
	return &Monitor{store: store, bus: bus}
}

// LoadPersisted seeds every slot's violation_persisted flag from the NVM
// shadow. Call once at startup, after the store is reachable.
func (m *Monitor) LoadPersisted() {
	rec, err := m.store.ReadSysMonSummary()
	if err != nil {
		return // defaulted shadow: no violations, matches §4.B contract
	}
	for i := params.TaskID(0); int(i) < params.NumTasks; i++ {
		s := &m.slots[i]
		s.mu.Lock()
		s.violationPersist = rec.AnyViolation && rec.Tasks[i].ViolatingDurationMs != 0
		s.recordedDuration = rec.Tasks[i].ViolatingDurationMs
		s.recordedEntry = rec.Tasks[i].EntryTick
		s.mu.Unlock()
	}
}

// Notify records a task's entry or exit tick. Called at the start and
// end of every periodic invocation; the write is a short critical
// section over exactly this task's slot.
func (m *Monitor) Notify(task params.TaskID, edge Edge, tick clock.Ms) {
	s := &m.slots[task]
	s.mu.Lock()
	defer s.mu.Unlock()
	switch edge {
	case Enter:
		s.entryTick = tick
	case Exit:
		s.exitTick = tick
		s.lastDuration = uint32(clock.ElapsedSince(s.entryTick, tick))
	}
}

// CheckNotifications evaluates every checkable task (everything except
// the tickless engine task) against its declared cycle+jitter budget.
// Invoke at least once per minimum declared cycle period.
func (m *Monitor) CheckNotifications(now clock.Ms) {
	for i := params.TaskID(0); int(i) < params.NumTasks; i++ {
		if i == params.TaskEngine {
			continue
		}
		s := &m.slots[i]
		s.mu.Lock()
		entryTick := s.entryTick
		duration := s.lastDuration
		s.mu.Unlock()

		budget := params.DeclaredCycleMs[i] + params.DeclaredJitterMs[i]
		sinceEntry := clock.ElapsedSince(entryTick, now)
		if uint32(sinceEntry) > budget && duration > params.DeclaredCycleMs[i] {
			m.bus.Report(diag.TaskTimingViolation, diag.SeverityNotOK, diag.SubsystemTaskHealth, int(i))
			m.RecordViolation(i, duration, uint32(entryTick))
		}
	}
}

// RecordViolation latches any_violation and the offending (duration,
// entry_tick) pair for task i, and marks the shadow dirty for the next
// FlushIfDirty.
func (m *Monitor) RecordViolation(task params.TaskID, duration, entryTick uint32) {
	s := &m.slots[task]
	s.mu.Lock()
	s.violationPersist = true
	s.recordedDuration = duration
	s.recordedEntry = entryTick
	s.mu.Unlock()

	m.dirtyMu.Lock()
	m.dirty = true
	m.dirtyMu.Unlock()
}

// FlushIfDirty asynchronously persists the violation shadow if it
// changed since the last flush. Invoked from the lowest-priority
// periodic task (§4.E).
func (m *Monitor) FlushIfDirty() {
	m.dirtyMu.Lock()
	if !m.dirty {
		m.dirtyMu.Unlock()
		return
	}
	m.dirty = false
	m.dirtyMu.Unlock()

	var rec nvm.SysMonSummaryRecord
	for i := params.TaskID(0); int(i) < params.NumTasks; i++ {
		s := &m.slots[i]
		s.mu.Lock()
		if s.violationPersist {
			rec.AnyViolation = true
			rec.Tasks[i] = nvm.TaskViolation{
				ViolatingDurationMs: s.recordedDuration,
				EntryTick:           s.recordedEntry,
			}
		}
		s.mu.Unlock()
	}
	m.store.WriteSysMonSummary(rec)
}

// GetRecordedViolations returns a snapshot of the persisted-violation
// shadow across all tasks, for telemetry and tests.
func (m *Monitor) GetRecordedViolations() nvm.SysMonSummaryRecord {
	var rec nvm.SysMonSummaryRecord
	for i := params.TaskID(0); int(i) < params.NumTasks; i++ {
		s := &m.slots[i]
		s.mu.Lock()
		if s.violationPersist {
			rec.AnyViolation = true
			rec.Tasks[i] = nvm.TaskViolation{
				ViolatingDurationMs: s.recordedDuration,
				EntryTick:           s.recordedEntry,
			}
		}
		s.mu.Unlock()
	}
	return rec
}

// ClearAllViolations clears every task's persisted violation flag, as
// driven by an external clear_persistent_flags request (§4.I), resetting
// both the live diagnostics latch and the persisted shadow. Marks the
// shadow dirty so the next FlushIfDirty commits the clear.
func (m *Monitor) ClearAllViolations() {
	for i := params.TaskID(0); int(i) < params.NumTasks; i++ {
		s := &m.slots[i]
		s.mu.Lock()
		s.violationPersist = false
		s.recordedDuration = 0
		s.recordedEntry = 0
		s.mu.Unlock()
		m.bus.Clear(diag.TaskTimingViolation, diag.SubsystemTaskHealth, int(i))
	}
	m.dirtyMu.Lock()
	m.dirty = true
	m.dirtyMu.Unlock()
}
