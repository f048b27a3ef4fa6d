// Command bmssim is a host-side scenario-scripted simulator driving
// core.Core against in-memory fakes for every external collaborator
// (contactors, NVM backend, AFE/current-sensor chain). Grounded on the
// cobra command-tree pattern used by the pack's cobra-based CLIs (e.g.
// melisai's cmd/melisai/main.go), generalized into a small per-line REPL:
// each scenario line is split with google/shlex the way a shell would,
// then dispatched through a freshly built cobra.Command tree so flag
// parsing, help text, and usage errors all come from cobra rather than a
// hand-rolled switch.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/google/shlex"

	"bmsfw/internal/afe"
	"bmsfw/internal/bmsconfig"
	"bmsfw/internal/params"
	"bmsfw/internal/wire"
	"bmsfw/core"
	"bmsfw/x/logx"
)

// simulator bundles the wired core.Core together with every fake
// collaborator a scenario script can reach into and mutate directly.
type simulator struct {
	core        *core.Core
	clk         *manualClock
	contactors  *memContactors
	cells       [params.NRStrings]*scriptedCellMonitor
	currents    [params.NRStrings]*scriptedCurrentSensor
	packSrc     *scriptedPackSource
	out         io.Writer
}

func newSimulator(out io.Writer) *simulator {
	clk := &manualClock{}
	contactors := newMemContactors()
	backend := newMemNVMBackend()
	log := logx.New()

	var strings [params.NRStrings]afe.StringSource
	sim := &simulator{core: nil, clk: clk, contactors: contactors, out: out}
	for i := 0; i < params.NRStrings; i++ {
		sim.cells[i] = newScriptedCellMonitor(3700)
		sim.currents[i] = newScriptedCurrentSensor(clk)
		strings[i] = afe.StringSource{Cells: sim.cells[i], Current: sim.currents[i]}
	}
	sim.packSrc = &scriptedPackSource{insulationKOhm: 2000}
	sampler := afe.NewSampler(strings, sim.packSrc)

	cfg := bmsconfig.DefaultTunables
	sim.core = core.New(clk, contactors, backend, sampler, cfg, log)

	var ccPresent [params.NRStrings]bool // no sensor-CC in this rig: SOC integrates current
	snap := sim.core.SampleAndPublish(clk.NowMs())
	sim.core.InitializeStrings(snap, ccPresent)
	return sim
}

func (s *simulator) tick(ms uint32) {
	for i := uint32(0); i < ms; i++ {
		s.clk.ms++
		s.core.SampleAndPublish(s.clk.ms)
		if s.clk.ms%params.PackTickMs == 0 {
			s.core.RunPackTick(s.clk.ms)
		}
		if s.clk.ms%params.BalancingTickMs == 0 {
			s.core.RunBalancingTick()
			s.core.RunAlgorithmTick(s.clk.ms)
		}
		s.core.RunTaskHealthCheck(s.clk.ms)
	}
}

func (s *simulator) dumpState() {
	frame := s.core.EncodeStateFrame()
	detail := s.core.EncodeStateDetailFrame()
	fmt.Fprintf(s.out, "t=%dms phase=%d substate=%d connected=%d flow=%d\n",
		s.clk.ms, s.core.Pack.GetState(), s.core.Pack.GetSubstate(),
		s.core.Pack.NumberOfConnectedStrings(), s.core.Pack.GetBatterySystemState())
	fmt.Fprintf(s.out, "state_frame=% x\n", frame)
	fmt.Fprintf(s.out, "detail_frame=% x\n", detail)
	for i := 0; i < params.NRStrings; i++ {
		avg, min, max := s.core.Soc.Perc(params.StringIndex(i))
		fmt.Fprintf(s.out, "string[%d] soc avg=%.2f min=%.2f max=%.2f\n", i, avg, min, max)
	}
}

func (s *simulator) sendRequestFrame(rf wire.RequestFrame) {
	frame := [wire.RxFrameLen]byte{}
	setRequestFrameBits(&frame, rf)
	s.core.ReceiveRequestFrame(frame[:])
}

func main() {
	sim := newSimulator(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stdout, "bmssim ready; type 'help' for commands, 'quit' to exit")
	for scanner.Scan() {
		line := scanner.Text()
		tokens, err := shlex.Split(line)
		if err != nil || len(tokens) == 0 {
			continue
		}
		if tokens[0] == "quit" || tokens[0] == "exit" {
			return
		}
		root := newRootCmd(sim)
		root.SetArgs(tokens)
		if err := root.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}
