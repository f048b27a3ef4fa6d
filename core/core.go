// Package core wires one instance of every control-plane component into
// the single owning aggregate the periodic driver and the command
// intake/telemetry transports drive. Grounded on the teacher's
// services/hal/internal/core.HAL aggregate (one struct owning every
// registered device/service, exposing the narrow methods its callers
// need instead of the raw collaborators), narrowed here to the fixed set
// of components this firmware has rather than a dynamically registered
// device tree.
package core

import (
	"bmsfw/internal/afe"
	"bmsfw/internal/balancing"
	"bmsfw/internal/bmsconfig"
	"bmsfw/internal/cmdintake"
	"bmsfw/internal/diag"
	"bmsfw/internal/measure"
	"bmsfw/internal/nvm"
	"bmsfw/internal/pack"
	"bmsfw/internal/params"
	"bmsfw/internal/soc"
	"bmsfw/internal/taskhealth"
	"bmsfw/internal/wire"
	"bmsfw/x/clock"
	"bmsfw/x/logx"
)

// nvmFaultAdapter satisfies nvm.FaultReporter by routing block-device
// faults into the diagnostics bus, avoiding the import cycle nvm avoids
// by never importing diag itself.
type nvmFaultAdapter struct {
	bus *diag.Bus
}

func (a nvmFaultAdapter) ReportNvmReadFault(id nvm.RecordID) {
	a.bus.Report(diag.NvmReadCrcError, diag.SeverityNotOK, diag.SubsystemNvm, int(id))
}

func (a nvmFaultAdapter) ReportNvmWriteFault(id nvm.RecordID) {
	a.bus.Report(diag.NvmWriteError, diag.SeverityNotOK, diag.SubsystemNvm, int(id))
}

// Core owns one instance of every control-plane component.
type Core struct {
	Clock   clock.Source
	Diag    *diag.Bus
	Store   *nvm.Store
	Measure *measure.Buffer
	Tasks   *taskhealth.Monitor
	Soc     *soc.Estimator
	Bal     *balancing.Engine
	Pack    *pack.Orchestrator
	Intake  *cmdintake.Intake
	Sampler *afe.Sampler
	Log     *logx.Logger
}

// New constructs a fully wired Core. contactors and nvmBackend are the
// out-of-scope hardware collaborators (spec §1); sampler is the afe.Sampler
// already built over the board's real AFE/current-sensor drivers.
func New(clk clock.Source, contactors pack.ContactorIO, nvmBackend nvm.Backend, sampler *afe.Sampler, cfg bmsconfig.Tunables, log *logx.Logger) *Core {
	bus := diag.NewBus(diag.DefaultConfigs, clk)
	store := nvm.NewStore(nvmBackend, nvmFaultAdapter{bus: bus})
	measureBuf := measure.NewBuffer()
	tasks := taskhealth.NewMonitor(store, bus)
	tasks.LoadPersisted()

	packOrch := pack.NewOrchestrator(contactors, bus, store, cfg.DischargeCurrentPositive)
	balEngine := balancing.NewEngine(bus, packOrch, cfg.BalancingThresholdMV, cfg.BalancingHysteresisPersist)
	socEst := soc.NewEstimator(store, packOrch, cfg.CapacityAh, cfg.DischargeCurrentPositive)
	intake := cmdintake.NewIntake(clk, packOrch, balEngine, tasks, store, bus)

	// Both state machines start in their uninitialized phase and do
	// nothing until ReqInit arrives; New is the one place every
	// production entrypoint (main.go, cmd/bmssim) and every test share,
	// so the init request is sent here rather than duplicated per caller.
	_ = packOrch.SetStateRequest(pack.ReqInit)
	_ = balEngine.SetStateRequest(balancing.ReqInit)

	if mask := packOrch.LastPersistedClosedMask(); mask != 0 {
		log.Println("pack/last_persisted_closed_mask=", int(mask))
	}

	return &Core{
		Clock:   clk,
		Diag:    bus,
		Store:   store,
		Measure: measureBuf,
		Tasks:   tasks,
		Soc:     socEst,
		Bal:     balEngine,
		Pack:    packOrch,
		Intake:  intake,
		Sampler: sampler,
		Log:     log,
	}
}

// InitializeStrings establishes each string's SOC baseline from the
// persisted record and the snapshot at hand (spec §4.F). Call once at
// startup after the first sample has been published.
func (c *Core) InitializeStrings(snap *measure.Snapshot, ccSensorPresent [params.NRStrings]bool) {
	for i := 0; i < params.NRStrings; i++ {
		c.Soc.Initialize(params.StringIndex(i), ccSensorPresent[i], snap)
	}
}

// SampleAndPublish runs the AFE sampler over the previous snapshot and
// publishes the result, implementing the single-writer side of
// measure.Buffer's double-buffer discipline (spec §4.D).
func (c *Core) SampleAndPublish(now clock.Ms) *measure.Snapshot {
	prev := c.Measure.Load()
	next := c.Sampler.Sample(prev, now)
	c.Measure.Publish(next)
	return c.Measure.Load()
}

// RunPackTick runs one pack-orchestrator tick (spec §4.H.3) against the
// latest published snapshot.
func (c *Core) RunPackTick(now clock.Ms) {
	c.Pack.Trigger(c.Measure.Load(), now)
}

// RunBalancingTick runs one balancing-engine tick (spec §4.G).
func (c *Core) RunBalancingTick() {
	c.Bal.Trigger(c.Measure.Load())
}

// RunAlgorithmTick runs the 100ms_algorithm task body: SOC computation
// and the supplemented deep-discharge latch check (spec §4.F, SUPPLEMENTED
// FEATURES item 1).
func (c *Core) RunAlgorithmTick(now clock.Ms) {
	snap := c.Measure.Load()
	c.Soc.Compute(snap, now)
	c.Intake.CheckDeepDischarge(func(s int) int32 { return snap.Strings[s].MinCellMV })
}

// RunTaskHealthCheck evaluates every task's timing budget and flushes any
// newly recorded violation (spec §4.E). Invoke from the lowest-priority
// periodic task.
func (c *Core) RunTaskHealthCheck(now clock.Ms) {
	c.Tasks.CheckNotifications(now)
	c.Tasks.FlushIfDirty()
}

// ReceiveRequestFrame decodes and applies one inbound 8-byte command
// frame (spec §6.1, §4.I).
func (c *Core) ReceiveRequestFrame(frameBytes []byte) {
	c.Intake.ReceiveBmsRequest(frameBytes)
}

// EncodeStateFrame builds the cyclic transmitted state frame (spec §6.2)
// from the current pack/balancing state and diagnostics latch table.
func (c *Core) EncodeStateFrame() [wire.TxFrameLen]byte {
	deactivated := 0
	for s := 0; s < params.NRStrings; s++ {
		if c.Pack.IsStringDeactivated(params.StringIndex(s)) {
			deactivated++
		}
	}
	in := wire.StateFrameInputs{
		State:                    c.Pack.GetState(),
		Substate:                 c.Pack.GetSubstate(),
		ConnectedStrings:         c.Pack.NumberOfConnectedStrings(),
		DeactivatedStrings:       deactivated,
		InsulationResistanceKOhm: c.Measure.Load().Pack.InsulationKOhm,
		BalancingActive:          c.Bal.IsActive(),
	}
	return wire.EncodeStateFrame(in, c.Diag)
}

// EncodeStateDetailFrame builds the second cyclic transmit frame
// (SUPPLEMENTED FEATURES item 2).
func (c *Core) EncodeStateDetailFrame() [wire.TxDetailFrameLen]byte {
	var in wire.DetailFrameInputs
	in.CurrentFlow = c.Pack.GetBatterySystemState()
	for s := 0; s < params.NRStrings; s++ {
		idx := params.StringIndex(s)
		in.StringClosed[s] = c.Pack.IsStringClosed(idx)
		in.StringDeactivated[s] = c.Pack.IsStringDeactivated(idx)
	}
	return wire.EncodeStateDetailFrame(in)
}
