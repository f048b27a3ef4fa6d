package wire

import (
	"bmsfw/internal/diag"
	"bmsfw/internal/pack"
	"bmsfw/internal/params"
)

// TxFrameLen is the fixed transmitted state-frame length in bytes.
const TxFrameLen = 8

// bit positions below follow the same Motorola/big-endian convention as
// rxframe.go, lifted from the transmitted state message this frame is
// derived from. The 8-bit insulation-resistance field (start bit 63,
// length 8) lands exactly on byte 7 under this convention, the same
// corroborating signal used to resolve rxframe.go's table.
const (
	bmsStateStart    = 3
	bmsStateLen      = 4
	bmsSubstateStart = 37
	bmsSubstateLen   = 6

	connectedStringsStart   = 7
	connectedStringsLen     = 4
	deactivatedStringsStart = 51
	deactivatedStringsLen   = 4

	chargingCompleteStart      = 8
	generalWarningStart        = 9
	generalErrorStart          = 10
	emergencyShutoffStart      = 11
	systemMonitoringErrorStart = 12
	insulationMonitoringStart  = 13
	heaterStateStart           = 14
	coolingStateStart          = 15

	prechargeVoltageErrorStart = 16
	prechargeCurrentErrorStart = 17
	mcuDieTemperatureErrorStart = 18
	pcbOvertemperatureErrorStart = 19
	pcbUndertemperatureErrorStart = 20
	mainFuseBlownStart         = 21
	interlockStateStart        = 22
	insulationErrorStart       = 23

	canTimingErrorStart               = 24
	packOvercurrentChargeErrorStart   = 25
	packOvercurrentDischargeErrorStart = 26
	alertFlagStart                    = 27
	nvramCrcErrorStart                = 28
	clamp30CErrorStart                = 30
	balancingAlgorithmStateStart      = 31

	insulationResistanceStart = 63
	insulationResistanceLen   = 8
)

// insulationResistanceFactor and insulationResistanceMaxKOhm match the
// transmitted signal's scaling: the 8-bit field carries kOhm / 200
// (physical value = raw * 200), saturating once the physical value would
// overflow the byte.
const (
	insulationResistanceFactor  = 200
	insulationResistanceMaxKOhm = 51000
)

// setBit sets a single Motorola-order bit (length 1) in frame.
func setBit(frame []byte, bitIdx int, v bool) {
	if !v {
		return
	}
	byteIdx := bitIdx / 8
	bitInByte := uint(bitIdx % 8)
	frame[byteIdx] |= 1 << (7 - bitInByte)
}

// setBits writes the low `length` bits of v into frame at the field
// named by start, using the same start-bit-is-least-significant
// convention as getBits in rxframe.go.
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

// StateFrameInputs gathers everything EncodeStateFrame needs from the
// pack orchestrator and the diagnostics bus; kept separate from both so
// this package never imports contactor- or measurement-level detail.
type StateFrameInputs struct {
	State                    pack.Phase
	Substate                 pack.Substate
	ConnectedStrings         int
	DeactivatedStrings       int
	InsulationResistanceKOhm int32
	BalancingActive          bool
}

// EncodeStateFrame builds the cyclic transmitted state frame (spec §6.2)
// from orchestrator state and the live diagnostics latch table.
func EncodeStateFrame(in StateFrameInputs, bus *diag.Bus) [TxFrameLen]byte {
	var frame [TxFrameLen]byte

	setBits(frame[:], bmsStateStart, bmsStateLen, uint32(in.State))
	setBits(frame[:], bmsSubstateStart, bmsSubstateLen, uint32(in.Substate))
	setBits(frame[:], connectedStringsStart, connectedStringsLen, uint32(in.ConnectedStrings))
	setBits(frame[:], deactivatedStringsStart, deactivatedStringsLen, uint32(in.DeactivatedStrings))

	anyFatal := bus.IsAnyFatalSet()
	setBit(frame[:], generalErrorStart, anyFatal)
	setBit(frame[:], emergencyShutoffStart, anyFatal)
	setBit(frame[:], generalWarningStart, bus.IsActive(diag.TaskTimingViolation) || bus.IsActive(diag.PrechargeAbortedDueToVoltage) || bus.IsActive(diag.PrechargeAbortedDueToCurrent))
	setBit(frame[:], systemMonitoringErrorStart, bus.IsActive(diag.PlausibilityPackVoltage) || bus.IsActive(diag.PlausibilityCellVoltage) || bus.IsActive(diag.PlausibilityCellTemperature))
	setBit(frame[:], insulationMonitoringStart, bus.IsActive(diag.CriticalLowInsulationResistance))
	setBit(frame[:], chargingCompleteStart, false) // charging-complete is owned by soc, not yet wired here

	setBit(frame[:], prechargeVoltageErrorStart, bus.IsActive(diag.PrechargeAbortedDueToVoltage))
	setBit(frame[:], prechargeCurrentErrorStart, bus.IsActive(diag.PrechargeAbortedDueToCurrent))
	setBit(frame[:], mcuDieTemperatureErrorStart, false)
	setBit(frame[:], pcbOvertemperatureErrorStart, bus.IsActive(diag.OvertemperatureFault))
	setBit(frame[:], pcbUndertemperatureErrorStart, false)
	setBit(frame[:], mainFuseBlownStart, bus.IsActive(diag.MainFuseBlown))
	setBit(frame[:], interlockStateStart, bus.IsActive(diag.InterlockOpened))
	setBit(frame[:], insulationErrorStart, bus.IsActive(diag.CriticalLowInsulationResistance))

	setBit(frame[:], canTimingErrorStart, false) // transport-layer concern, not owned by this codec
	setBit(frame[:], packOvercurrentChargeErrorStart, bus.IsActive(diag.OvercurrentFault))
	setBit(frame[:], packOvercurrentDischargeErrorStart, bus.IsActive(diag.OvercurrentFault))
	setBit(frame[:], alertFlagStart, bus.IsActive(diag.DeepDischargeDetected))
	setBit(frame[:], nvramCrcErrorStart, bus.IsActive(diag.NvmReadCrcError) || bus.IsActive(diag.NvmWriteError))
	setBit(frame[:], clamp30CErrorStart, bus.IsActive(diag.ContactorFeedbackMismatch) || bus.IsActive(diag.ContactorPositivePathFault) || bus.IsActive(diag.ContactorNegativePathFault))
	setBit(frame[:], balancingAlgorithmStateStart, in.BalancingActive)

	setBits(frame[:], insulationResistanceStart, insulationResistanceLen, encodeInsulationResistance(in.InsulationResistanceKOhm))

	return frame
}

// encodeInsulationResistance saturates kOhm to the signal's physical
// range, then divides by the transmitted factor to get the raw 8-bit
// value (the inverse of physical = raw * factor): the maximum physical
// value, 51000 kOhm, divides out to exactly 255, the full field range.
func encodeInsulationResistance(kOhm int32) uint32 {
	if kOhm < 0 {
		kOhm = 0
	}
	if kOhm > insulationResistanceMaxKOhm {
		kOhm = insulationResistanceMaxKOhm
	}
	return uint32(kOhm) / insulationResistanceFactor
}

// TxDetailFrameLen is the fixed second cyclic transmit frame's length in
// bytes (SUPPLEMENTED FEATURES item 2, grounded on foxBMS's
// can_cbs_tx_bms-state-details.c analogue): every downstream consumer of
// §6.2's minimal state frame also wants the current-flow classification
// and the per-string closed/deactivated bitsets, which the original
// always transmits as a second cyclic message.
const TxDetailFrameLen = 8

const (
	currentFlowStart = 1
	currentFlowLen   = 2

	stringClosedStart      = 7
	stringClosedLen        = params.NRStrings
	stringDeactivatedStart = 15
	stringDeactivatedLen   = params.NRStrings
)

// DetailFrameInputs gathers everything EncodeStateDetailFrame needs.
type DetailFrameInputs struct {
	CurrentFlow       pack.CurrentFlowState
	StringClosed      [params.NRStrings]bool
	StringDeactivated [params.NRStrings]bool
}

// EncodeStateDetailFrame builds the second cyclic transmit frame. Bit
// order within each per-string bitset follows string index 0 at the
// field's most significant bit, matching bmsStateStart's convention of
// the lowest index occupying the field's high end.
func EncodeStateDetailFrame(in DetailFrameInputs) [TxDetailFrameLen]byte {
	var frame [TxDetailFrameLen]byte

	setBits(frame[:], currentFlowStart, currentFlowLen, uint32(in.CurrentFlow))

	var closedMask, deactivatedMask uint32
	for s := 0; s < params.NRStrings; s++ {
		if in.StringClosed[s] {
			closedMask |= 1 << uint(params.NRStrings-1-s)
		}
		if in.StringDeactivated[s] {
			deactivatedMask |= 1 << uint(params.NRStrings-1-s)
		}
	}
	setBits(frame[:], stringClosedStart, stringClosedLen, closedMask)
	setBits(frame[:], stringDeactivatedStart, stringDeactivatedLen, deactivatedMask)

	return frame
}
