package main

import "bmsfw/internal/wire"

// setBit/setBits mirror internal/wire's unexported Motorola-order frame
// writers. bmssim stands in for the external controller on the other end
// of the link, not the firmware itself, so it encodes request frames
// independently rather than reaching into wire's internals.
func setBit(frame []byte, bitIdx int, v bool) {
	if !v {
		return
	}
	byteIdx := bitIdx / 8
	bitInByte := uint(bitIdx % 8)
	frame[byteIdx] |= 1 << (7 - bitInByte)
}

func setBits(frame []byte, start, length int, v uint32) {
	first := start - length + 1
	for i := 0; i < length; i++ {
		b := first + i
		bit := (v >> uint(length-1-i)) & 1
		if bit != 0 {
			byteIdx := b / 8
			bitInByte := uint(b % 8)
			frame[byteIdx] |= 1 << (7 - bitInByte)
		}
	}
}

const (
	requestModeStart                 = 1
	requestModeLen                   = 2
	clearPersistentFlagsStart        = 2
	indicatePrechargeTypeStart       = 3
	chargerConnectedStart            = 4
	disableInsulationMonitoringStart = 5
	balancingEnableStart             = 8
	balancingThresholdStart          = 23
	balancingThresholdLen            = 8
)

// setRequestFrameBits encodes rf into frame using the same bit layout
// wire.DecodeRequestFrame parses (spec §6.1).
func setRequestFrameBits(frame *[wire.RxFrameLen]byte, rf wire.RequestFrame) {
	setBits(frame[:], requestModeStart, requestModeLen, uint32(rf.Mode))
	setBit(frame[:], clearPersistentFlagsStart, rf.ClearPersistentFlags)
	setBit(frame[:], indicatePrechargeTypeStart, rf.IndicatePrechargeType)
	setBit(frame[:], chargerConnectedStart, rf.ChargerConnected)
	setBit(frame[:], disableInsulationMonitoringStart, rf.DisableInsulationMonitoring)
	setBit(frame[:], balancingEnableStart, rf.BalancingEnable)
	setBits(frame[:], balancingThresholdStart, balancingThresholdLen, uint32(rf.BalancingThresholdMV))
}
