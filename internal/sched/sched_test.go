package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"bmsfw/internal/diag"
	"bmsfw/internal/nvm"
	"bmsfw/internal/params"
	"bmsfw/internal/taskhealth"
	"bmsfw/x/clock"
)

type fakeClock struct{ ms uint32 }

func (f *fakeClock) NowMs() clock.Ms { return clock.Ms(f.ms) }

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

func newHealth() *taskhealth.Monitor {
	store := nvm.NewStore(newMemBackend(), noopFaults{})
	clk := &fakeClock{}
	bus := diag.NewBus(diag.DefaultConfigs, clk)
	m := taskhealth.NewMonitor(store, bus)
	m.LoadPersisted()
	return m
}

func TestDriverRunsOnlyConfiguredTasks(t *testing.T) {
	health := newHealth()
	clk := &fakeClock{}
	d := NewDriver(health, clk)

	var engineCalls, msCalls int32
	d.SetTask(params.TaskEngine, func() { atomic.AddInt32(&engineCalls, 1) })
	d.SetTask(params.Task1ms, func() { atomic.AddInt32(&msCalls, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d.Start(ctx)

	if atomic.LoadInt32(&engineCalls) == 0 {
		t.Fatal("expected the tickless engine task to have run at least once")
	}
	if atomic.LoadInt32(&msCalls) == 0 {
		t.Fatal("expected the 1ms task to have run at least once")
	}
}

func TestDriverSkipsUnconfiguredTasks(t *testing.T) {
	health := newHealth()
	clk := &fakeClock{}
	d := NewDriver(health, clk)
	d.SetTask(params.Task1ms, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Should return cleanly even though Task10ms/Task100ms/TaskEngine were
	// never configured.
	d.Start(ctx)
}

func TestPhaseOffsetOrdersTasksByDeclaredCycle(t *testing.T) {
	if phaseOffset(params.Task1ms) >= phaseOffset(params.Task10ms) {
		t.Fatal("expected the 1ms task's phase offset to be the smallest")
	}
	if phaseOffset(params.Task10ms) >= phaseOffset(params.Task100ms) {
		t.Fatal("expected 10ms's offset to precede 100ms's")
	}
	if phaseOffset(params.Task100ms) >= phaseOffset(params.Task100msAlgorithm) {
		t.Fatal("expected 100ms's offset to precede 100ms_algorithm's")
	}
}
