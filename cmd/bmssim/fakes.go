package main

import (
	"errors"
	"sync"

	"bmsfw/internal/nvm"
	"bmsfw/internal/params"
	"bmsfw/internal/pack"
)

// manualClock is a settable clock.Source driven entirely by scenario
// "tick" commands, the host-side stand-in for the cooperative runtime's
// monotonic timer this module treats as an external collaborator.
type manualClock struct {
	ms uint32
}

func (c *manualClock) NowMs() uint32 { return c.ms }

// memContactors simulates healthy contactor hardware: feedback always
// matches the last commanded position, the same "no mismatch faults"
// shape as internal/pack's own test fake, generalized here with an
// interlock toggle a scenario script can open/close.
type memContactors struct {
	mu                          sync.Mutex
	minusFb, prechargeFb, plusFb [params.NRStrings]pack.ContactorFeedback
	interlock                   bool
}

func newMemContactors() *memContactors {
	c := &memContactors{interlock: true}
	for i := 0; i < params.NRStrings; i++ {
		c.minusFb[i] = pack.FeedbackOpen
		c.prechargeFb[i] = pack.FeedbackOpen
		c.plusFb[i] = pack.FeedbackOpen
	}
	return c
}

func feedbackFor(cmd pack.ContactorCommand) pack.ContactorFeedback {
	if cmd == pack.CmdClose {
		return pack.FeedbackClosed
	}
	return pack.FeedbackOpen
}

func (c *memContactors) CommandMinus(s params.StringIndex, cmd pack.ContactorCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minusFb[s] = feedbackFor(cmd)
}
func (c *memContactors) CommandPrecharge(s params.StringIndex, cmd pack.ContactorCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prechargeFb[s] = feedbackFor(cmd)
}
func (c *memContactors) CommandPlus(s params.StringIndex, cmd pack.ContactorCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plusFb[s] = feedbackFor(cmd)
}
func (c *memContactors) FeedbackMinus(s params.StringIndex) pack.ContactorFeedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minusFb[s]
}
func (c *memContactors) FeedbackPrecharge(s params.StringIndex) pack.ContactorFeedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prechargeFb[s]
}
func (c *memContactors) FeedbackPlus(s params.StringIndex) pack.ContactorFeedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plusFb[s]
}
func (c *memContactors) InterlockClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interlock
}
func (c *memContactors) setInterlock(closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interlock = closed
}

// memNVMBackend is an in-memory nvm.Backend: a scenario run has no flash
// to persist across, so every record starts absent (ReadBlock returns an
// error, which nvm.Store's readRecord turns into the spec's "defaulted
// record" contract).
type memNVMBackend struct {
	mu     sync.Mutex
	blocks map[nvm.RecordID][]byte
}

func newMemNVMBackend() *memNVMBackend {
	return &memNVMBackend{blocks: make(map[nvm.RecordID][]byte)}
}

func (b *memNVMBackend) ReadBlock(id nvm.RecordID, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.blocks[id]
	if !ok {
		return errors.New("bmssim: no record written yet")
	}
	copy(buf, stored)
	return nil
}

func (b *memNVMBackend) WriteBlock(id nvm.RecordID, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.blocks[id] = cp
	return nil
}

// scriptedCellMonitor reports cell voltages/temperatures a scenario
// script sets directly, standing in for a real AFE chain.
type scriptedCellMonitor struct {
	mu   sync.Mutex
	mv   [params.NRModulesPerString][params.NRCellBlocksPerModule]int32
	temp [params.NRModulesPerString][params.NRCellBlocksPerModule]int32
}

func newScriptedCellMonitor(defaultMV int32) *scriptedCellMonitor {
	m := &scriptedCellMonitor{}
	for i := range m.mv {
		for j := range m.mv[i] {
			m.mv[i][j] = defaultMV
		}
	}
	return m
}

func (m *scriptedCellMonitor) ReadCellMV(module, cellBlock int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mv[module][cellBlock], nil
}

func (m *scriptedCellMonitor) ReadCellTempDdegC(module, cellBlock int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temp[module][cellBlock], nil
}

func (m *scriptedCellMonitor) setAll(mv, tempDdegC int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mv {
		for j := range m.mv[i] {
			m.mv[i][j] = mv
			m.temp[i][j] = tempDdegC
		}
	}
}

// scriptedCurrentSensor reports current/voltage a scenario script sets
// directly; ReadCoulombAs always reports zero, matching a sensor with no
// onboard coulomb counter (soc.Estimator then integrates ReadCurrentMA).
type scriptedCurrentSensor struct {
	mu       sync.Mutex
	clk      *manualClock
	currentMA int32
	stringMV  int32
}

func newScriptedCurrentSensor(clk *manualClock) *scriptedCurrentSensor {
	return &scriptedCurrentSensor{clk: clk}
}

func (s *scriptedCurrentSensor) ReadCurrentMA() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentMA, nil
}
func (s *scriptedCurrentSensor) ReadCoulombAs() (int64, error) { return 0, nil }
func (s *scriptedCurrentSensor) ReadStringVoltageMV() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stringMV, nil
}
func (s *scriptedCurrentSensor) TimestampMs() (uint32, error) { return s.clk.NowMs(), nil }
func (s *scriptedCurrentSensor) setCurrentMA(v int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentMA = v
}

// scriptedPackSource reports pack-level scalars a scenario script sets
// directly.
type scriptedPackSource struct {
	mu              sync.Mutex
	packVoltageMV   int32
	packCurrentMA   int32
	insulationKOhm  int32
}

func (p *scriptedPackSource) ReadPackVoltageMV() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packVoltageMV, nil
}
func (p *scriptedPackSource) ReadPackCurrentMA() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packCurrentMA, nil
}
func (p *scriptedPackSource) ReadInsulationKOhm() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insulationKOhm, nil
}
func (p *scriptedPackSource) setInsulationKOhm(v int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insulationKOhm = v
}
