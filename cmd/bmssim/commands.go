package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"bmsfw/internal/params"
	"bmsfw/internal/wire"
)

// newRootCmd builds a fresh cobra command tree bound to sim for one
// scenario line. Rebuilding per line keeps each invocation's flag state
// independent, avoiding the stale-flag-value hazard of reusing one
// *cobra.Command across many Execute calls.
func newRootCmd(sim *simulator) *cobra.Command {
	root := &cobra.Command{
		Use:           "bmssim",
		Short:         "Scenario-scripted BMS firmware simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newModeCmd(sim),
		newBalancingCmd(sim),
		newCellCmd(sim),
		newCurrentCmd(sim),
		newInsulationCmd(sim),
		newInterlockCmd(sim),
		newTickCmd(sim),
		newDumpCmd(sim),
		newClearFlagsCmd(sim),
	)
	return root
}

func parseMode(s string) (wire.RequestMode, error) {
	switch s {
	case "standby":
		return wire.RequestStandby, nil
	case "normal":
		return wire.RequestNormal, nil
	case "charge":
		return wire.RequestCharge, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want standby|normal|charge)", s)
	}
}

func newModeCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "mode <standby|normal|charge>",
		Short: "Request a pack mode via a simulated inbound command frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			sim.sendRequestFrame(wire.RequestFrame{Mode: mode})
			return nil
		},
	}
}

func newBalancingCmd(sim *simulator) *cobra.Command {
	var thresholdMV int
	cmd := &cobra.Command{
		Use:   "balancing <on|off>",
		Short: "Enable or disable balancing and optionally set its threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable := args[0] == "on"
			if args[0] != "on" && args[0] != "off" {
				return fmt.Errorf("unknown balancing state %q (want on|off)", args[0])
			}
			sim.sendRequestFrame(wire.RequestFrame{
				BalancingEnable:      enable,
				BalancingThresholdMV: uint8(thresholdMV),
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&thresholdMV, "threshold-mv", 50, "balancing activation threshold in mV")
	return cmd
}

func newCellCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "cell <string> <mv> <temp-ddegc>",
		Short: "Set every cell block in one string to a uniform voltage and temperature",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			mv, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			temp, err := strconv.Atoi(args[2])
			if err != nil {
				return err
			}
			idx, ok := indexOrError(s)
			if !ok {
				return fmt.Errorf("string index %d out of range", s)
			}
			sim.cells[idx].setAll(int32(mv), int32(temp))
			return nil
		},
	}
}

func newCurrentCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "current <string> <ma>",
		Short: "Set one string's instantaneous current (positive = discharging)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			ma, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			idx, ok := indexOrError(s)
			if !ok {
				return fmt.Errorf("string index %d out of range", s)
			}
			sim.currents[idx].setCurrentMA(int32(ma))
			return nil
		},
	}
}

func newInsulationCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "insulation <kohm>",
		Short: "Set the pack's insulation resistance reading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kohm, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			sim.packSrc.setInsulationKOhm(int32(kohm))
			return nil
		},
	}
}

func newInterlockCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "interlock <open|closed>",
		Short: "Open or close the simulated interlock loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "closed":
				sim.contactors.setInterlock(true)
			case "open":
				sim.contactors.setInterlock(false)
			default:
				return fmt.Errorf("unknown interlock state %q (want open|closed)", args[0])
			}
			return nil
		},
	}
}

func newTickCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "tick <ms>",
		Short: "Advance the simulated clock by ms milliseconds, running every periodic task due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.Atoi(args[0])
			if err != nil || ms < 0 {
				return fmt.Errorf("invalid duration %q", args[0])
			}
			sim.tick(uint32(ms))
			return nil
		},
	}
}

func newDumpCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the current pack/balancing/SOC state and both cyclic transmit frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim.dumpState()
			return nil
		},
	}
}

func newClearFlagsCmd(sim *simulator) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-flags",
		Short: "Send a clear_persistent_flags command frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sim.sendRequestFrame(wire.RequestFrame{ClearPersistentFlags: true})
			return nil
		},
	}
}

func indexOrError(s int) (int, bool) {
	if s < 0 || s >= params.NRStrings {
		return 0, false
	}
	return s, true
}
