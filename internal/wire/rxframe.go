// Package wire implements the fixed 8-byte big-endian request/state
// frames (spec §6.1, §6.2): bit-packed signal extraction in the same
// style as a CAN DBC Motorola-order message, generalized from the
// teacher's fixed-width register codec idiom
// (drivers/ltc4015/bus.go's readWord/writeWord) from 16-bit
// little-endian registers to arbitrary-width big-endian bitfields.
package wire

// RxFrameLen is the fixed request-frame length in bytes.
const RxFrameLen = 8

// RequestMode is the decoded mode request signal.
type RequestMode uint8

const (
	RequestStandby RequestMode = iota
	RequestNormal
	RequestCharge
	RequestNone // any value other than 0/1/2 (spec §6.1: "ignored")
)

// RequestFrame is the decoded form of the 8-byte received request
// frame.
type RequestFrame struct {
	Mode                        RequestMode
	ClearPersistentFlags        bool
	IndicatePrechargeType       bool
	ChargerConnected            bool
	DisableInsulationMonitoring bool
	BalancingEnable             bool
	BalancingThresholdMV        uint8
}

// bit indices below follow Motorola/big-endian DBC convention: bit 0 is
// the MSB of byte 0, bit 63 is the LSB of byte 7; a signal's "start bit"
// names its least-significant (highest-index) bit, and the field
// extends toward lower indices for the remaining length-1 bits. This
// matches the original CAN signal definitions this frame is derived
// from, where the 8-bit balancing-threshold signal (start bit 23,
// length 8) lands on a clean byte boundary (bits 16-23, i.e. byte 2)
// under this convention and nowhere else.
const (
	requestModeStart                 = 1
	requestModeLen                   = 2
	clearPersistentFlagsStart        = 2
	clearPersistentFlagsLen          = 1
	indicatePrechargeTypeStart       = 3
	indicatePrechargeTypeLen         = 1
	chargerConnectedStart            = 4
	chargerConnectedLen              = 1
	disableInsulationMonitoringStart = 5
	disableInsulationMonitoringLen   = 1
	balancingEnableStart             = 8
	balancingEnableLen               = 1
	balancingThresholdStart          = 23
	balancingThresholdLen            = 8
)

// getBits extracts a big-endian Motorola-order bitfield from frame.
// The field's most significant bit lives at index start-length+1 and
// its least significant bit at index start, both counted with bit 0 as
// the MSB of byte 0.
func getBits(frame []byte, start, length int) uint32 {
	var v uint32
	first := start - length + 1
	for b := first; b <= start; b++ {
		byteIdx := b / 8
		bitInByte := uint(b % 8)
		bit := (frame[byteIdx] >> (7 - bitInByte)) & 1
		v = (v << 1) | uint32(bit)
	}
	return v
}

// DecodeRequestFrame parses an 8-byte request frame (spec §6.1). The
// caller is responsible for framing (see uartframe.go for the UART
// transport); this function only interprets an already-delimited
// buffer.
func DecodeRequestFrame(frame []byte) RequestFrame {
	var rf RequestFrame
	switch getBits(frame, requestModeStart, requestModeLen) {
	case 0:
		rf.Mode = RequestStandby
	case 1:
		rf.Mode = RequestNormal
	case 2:
		rf.Mode = RequestCharge
	default:
		rf.Mode = RequestNone
	}
	rf.ClearPersistentFlags = getBits(frame, clearPersistentFlagsStart, clearPersistentFlagsLen) != 0
	rf.IndicatePrechargeType = getBits(frame, indicatePrechargeTypeStart, indicatePrechargeTypeLen) != 0
	rf.ChargerConnected = getBits(frame, chargerConnectedStart, chargerConnectedLen) != 0
	rf.DisableInsulationMonitoring = getBits(frame, disableInsulationMonitoringStart, disableInsulationMonitoringLen) != 0
	rf.BalancingEnable = getBits(frame, balancingEnableStart, balancingEnableLen) != 0
	rf.BalancingThresholdMV = uint8(getBits(frame, balancingThresholdStart, balancingThresholdLen))
	return rf
}
