package main

import (
	"context"
	"machine"
	"time"

	"github.com/jangala-dev/tinygo-uartx/uartx"

	"bmsfw/core"
	"bmsfw/internal/afe"
	"bmsfw/internal/bmsconfig"
	"bmsfw/internal/nvm"
	"bmsfw/internal/pack"
	"bmsfw/internal/params"
	"bmsfw/internal/sched"
	"bmsfw/internal/wire"
	"bmsfw/x/clock"
	"bmsfw/x/logx"
	"bmsfw/x/shmring"
)

// boardClock adapts the runtime's monotonic wall clock to clock.Source,
// the same time.Now().UnixMilli() idiom the teacher's main.go used for
// every debounce/staleness timer.
type boardClock struct{}

func (boardClock) NowMs() clock.Ms { return clock.Ms(time.Now().UnixMilli()) }

// RAMBackend is the default nvm.Backend: volatile, so every record reads
// back defaulted after a power cycle. A board bring-up file sets
// NVMBackend to a real FRAM/flash driver before calling Run; this
// mirrors the teacher's EmbeddedConfigLookup override-var seam
// (services/config/config.go) for swapping an external collaborator
// without touching the caller.
type RAMBackend struct {
	blocks map[nvm.RecordID][]byte
}

func NewRAMBackend() *RAMBackend {
	return &RAMBackend{blocks: make(map[nvm.RecordID][]byte)}
}

func (b *RAMBackend) ReadBlock(id nvm.RecordID, buf []byte) error {
	stored, ok := b.blocks[id]
	if !ok {
		return errNoRecord
	}
	copy(buf, stored)
	return nil
}

func (b *RAMBackend) WriteBlock(id nvm.RecordID, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.blocks[id] = cp
	return nil
}

type recordNotFoundError struct{}

func (recordNotFoundError) Error() string { return "nvm: no record written yet" }

var errNoRecord = recordNotFoundError{}

// NVMBackend is the board's persistent store. Overridden by a
// board-specific bring-up file before Run is called.
var NVMBackend nvm.Backend = NewRAMBackend()

// pinContactor drives one string's minus/precharge/plus contactor coils
// and reads back their feedback lines, grounded on the teacher's
// rp2GPIO pin wrapper (services/hal/internal/provider/rp2_resources.go):
// Configure once at startup, then Set/Get on the hot path, no
// allocation.
type pinContactor struct {
	minusCmd, prechargeCmd, plusCmd    machine.Pin
	minusFb, prechargeFb, plusFb       machine.Pin
}

func (c *pinContactor) configure() {
	c.minusCmd.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.prechargeCmd.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.plusCmd.Configure(machine.PinConfig{Mode: machine.PinOutput})
	c.minusFb.Configure(machine.PinConfig{Mode: machine.PinInput})
	c.prechargeFb.Configure(machine.PinConfig{Mode: machine.PinInput})
	c.plusFb.Configure(machine.PinConfig{Mode: machine.PinInput})
}

// boardContactors implements pack.ContactorIO over one pinContactor per
// string plus a shared interlock-loop input pin.
type boardContactors struct {
	strings   [params.NRStrings]pinContactor
	interlock machine.Pin
}

func feedbackOf(p machine.Pin) pack.ContactorFeedback {
	if p.Get() {
		return pack.FeedbackClosed
	}
	return pack.FeedbackOpen
}

func commandPin(p machine.Pin, cmd pack.ContactorCommand) {
	p.Set(cmd == pack.CmdClose)
}

func (b *boardContactors) CommandMinus(s params.StringIndex, cmd pack.ContactorCommand) {
	commandPin(b.strings[s].minusCmd, cmd)
}
func (b *boardContactors) CommandPrecharge(s params.StringIndex, cmd pack.ContactorCommand) {
	commandPin(b.strings[s].prechargeCmd, cmd)
}
func (b *boardContactors) CommandPlus(s params.StringIndex, cmd pack.ContactorCommand) {
	commandPin(b.strings[s].plusCmd, cmd)
}
func (b *boardContactors) FeedbackMinus(s params.StringIndex) pack.ContactorFeedback {
	return feedbackOf(b.strings[s].minusFb)
}
func (b *boardContactors) FeedbackPrecharge(s params.StringIndex) pack.ContactorFeedback {
	return feedbackOf(b.strings[s].prechargeFb)
}
func (b *boardContactors) FeedbackPlus(s params.StringIndex) pack.ContactorFeedback {
	return feedbackOf(b.strings[s].plusFb)
}
func (b *boardContactors) InterlockClosed() bool {
	return b.interlock.Get()
}

// uartWireLink runs the command-frame/state-frame cyclic exchange over
// UART0: an accumulate-then-emit reader the same shape as
// services/hal/internal/uartio.Worker's line mode, specialized to
// RxFrameLen instead of a delimiter, feeding raw bytes straight into
// ReceiveBmsRequest so the decode step happens exactly once, in
// cmdintake. Cyclic transmit frames go out once per pack tick.
func uartWireLink(ctx context.Context, c *core.Core, port *uartx.UART) {
	go func() {
		buf := make([]byte, 0, wire.RxFrameLen)
		chunk := make([]byte, wire.RxFrameLen)
		for {
			select {
			case <-ctx.Done():
				return
			case <-port.Readable():
			}
			rctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			n, err := port.RecvSomeContext(rctx, chunk)
			cancel()
			if err != nil && n == 0 {
				continue
			}
			buf = append(buf, chunk[:n]...)
			for len(buf) >= wire.RxFrameLen {
				c.ReceiveRequestFrame(buf[:wire.RxFrameLen])
				buf = append([]byte(nil), buf[wire.RxFrameLen:]...)
			}
		}
	}()

	ticker := time.NewTicker(params.PackTickMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := c.EncodeStateFrame()
			_ = wire.WriteStateFrame(port, state)
			detail := c.EncodeStateDetailFrame()
			_, _ = port.Write(detail[:])
		}
	}
}

func main() {
	log := logx.New()

	uart0 := uartx.UART0
	_ = uart0.Configure(uartx.UARTConfig{})

	mirrorHandle, mirrorRing := shmring.NewRegistered(256)
	defer shmring.Close(mirrorHandle)
	log.SetMirror(mirrorRing)

	clk := boardClock{}

	contactors := &boardContactors{}
	for i := range contactors.strings {
		contactors.strings[i].configure()
	}
	contactors.interlock.Configure(machine.PinConfig{Mode: machine.PinInput})

	sampler := buildSampler(clk)

	cfg, err := bmsconfig.Load("default")
	if err != nil {
		cfg = bmsconfig.DefaultTunables
	}

	c := core.New(clk, contactors, NVMBackend, sampler, cfg, log)

	var ccPresent [params.NRStrings]bool
	now := clk.NowMs()
	snap := c.SampleAndPublish(now)
	c.InitializeStrings(snap, ccPresent)

	driver := sched.NewDriver(c.Tasks, clk)
	driver.SetTask(params.Task10ms, func() {
		now := clk.NowMs()
		c.SampleAndPublish(now)
		c.RunPackTick(now)
	})
	driver.SetTask(params.Task100ms, func() {
		c.RunBalancingTick()
	})
	driver.SetTask(params.Task100msAlgorithm, func() {
		c.RunAlgorithmTick(clk.NowMs())
	})
	driver.SetTask(params.Task1ms, func() {
		c.RunTaskHealthCheck(clk.NowMs())
	})
	driver.SetTask(params.TaskEngine, func() {
		// engine task is currently a no-op spin placeholder: the pack and
		// balancing ticks above cover every state-machine step this board
		// needs; a future cooperative-scheduler integration hangs off
		// this slot without touching the other tasks.
	})

	ctx := context.Background()
	go uartWireLink(ctx, c, uart0)

	log.Println("bms firmware up, strings=", params.NRStrings)
	driver.Start(ctx)
}

// buildSampler wires the per-string AFE/current-sensor collaborators.
// This board revision has no cell monitor or current sensor commissioned
// yet, so every string is left with nil collaborators: Sample holds the
// previous snapshot's values for them rather than erroring, matching
// internal/afe's "not yet commissioned" contract.
func buildSampler(clk clock.Source) *afe.Sampler {
	var strings [params.NRStrings]afe.StringSource
	return afe.NewSampler(strings, nil)
}
