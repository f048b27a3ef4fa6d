package nvm

import (
	"encoding/binary"
	"math"

	"bmsfw/internal/params"
)

// StringSoc is one string's persisted (avg, min, max) state-of-charge in
// percent, per §6.3's 32-bit-float layout.
type StringSoc struct {
	AvgPerc float32
	MinPerc float32
	MaxPerc float32
}

// SocRecord is the §6.3 "soc" payload: per-string (avg,min,max) percent.
type SocRecord struct {
	Strings [params.NRStrings]StringSoc
}

const socPayloadSize = params.NRStrings * 3 * 4

func encodeSoc(r SocRecord) []byte {
	buf := make([]byte, socPayloadSize)
	off := 0
	for i := 0; i < params.NRStrings; i++ {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(r.Strings[i].AvgPerc))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(r.Strings[i].MinPerc))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(r.Strings[i].MaxPerc))
		off += 4
	}
	return buf
}

func decodeSoc(payload []byte) SocRecord {
	var r SocRecord
	off := 0
	for i := 0; i < params.NRStrings; i++ {
		r.Strings[i].AvgPerc = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		r.Strings[i].MinPerc = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
		r.Strings[i].MaxPerc = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}
	return r
}

// ReadSoc loads the persisted SOC shadow, defaulting to zero values on a
// CRC failure (the caller recalibrates on the first at-rest tick).
func (s *Store) ReadSoc() (SocRecord, error) {
	return readRecord(s, SocRecordID, decodeSoc)
}

// WriteSoc schedules an asynchronous flush of the SOC shadow.
func (s *Store) WriteSoc(r SocRecord) {
	writeRecord(s, SocRecordID, r, encodeSoc)
}

// TaskViolation is one task's persisted violating-duration/entry-tick
// pair (§4.E, §6.3). Invariant: if the owning record's AnyViolation is
// false, every TaskViolation is zero.
type TaskViolation struct {
	ViolatingDurationMs uint32
	EntryTick           uint32
}

// SysMonSummaryRecord is the §6.3 "sys_mon_summary" payload.
type SysMonSummaryRecord struct {
	AnyViolation bool
	Tasks [params.NumTasks]TaskViolation
}

const sysMonPayloadSize = 1 + params.NumTasks*8

func encodeSysMon(r SysMonSummaryRecord) []byte {
	buf := make([]byte, sysMonPayloadSize)
	if r.AnyViolation {
		buf[0] = 1
	}
	off := 1
	for i := 0; i < params.NumTasks; i++ {
		binary.LittleEndian.PutUint32(buf[off:], r.Tasks[i].ViolatingDurationMs)
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], r.Tasks[i].EntryTick)
		off += 4
	}
	return buf
}

func decodeSysMon(payload []byte) SysMonSummaryRecord {
	var r SysMonSummaryRecord
	r.AnyViolation = payload[0] != 0
	off := 1
	for i := 0; i < params.NumTasks; i++ {
		r.Tasks[i].ViolatingDurationMs = binary.LittleEndian.Uint32(payload[off:])
		off += 4
		r.Tasks[i].EntryTick = binary.LittleEndian.Uint32(payload[off:])
		off += 4
	}
	return r
}

// ReadSysMonSummary loads the persisted task-health violation shadow.
func (s *Store) ReadSysMonSummary() (SysMonSummaryRecord, error) {
	return readRecord(s, SysMonSummaryRecordID, decodeSysMon)
}

// WriteSysMonSummary schedules an asynchronous flush of the task-health
// violation shadow.
func (s *Store) WriteSysMonSummary(r SysMonSummaryRecord) {
	writeRecord(s, SysMonSummaryRecordID, r, encodeSysMon)
}

// ContactorFlagsRecord persists which string contactors were closed at
// last shutdown, one bit per string (supplemented: needed to reconstruct
// cyclic transmit state detail immediately after a reboot, before the
// first pack tick completes).
type ContactorFlagsRecord struct {
	ClosedMask uint8
}

func encodeContactorFlags(r ContactorFlagsRecord) []byte { return []byte{r.ClosedMask} }
func decodeContactorFlags(payload []byte) ContactorFlagsRecord {
	return ContactorFlagsRecord{ClosedMask: payload[0]}
}

func (s *Store) ReadContactorFlags() (ContactorFlagsRecord, error) {
	return readRecord(s, ContactorFlagsRecordID, decodeContactorFlags)
}

func (s *Store) WriteContactorFlags(r ContactorFlagsRecord) {
	writeRecord(s, ContactorFlagsRecordID, r, encodeContactorFlags)
}

// DeepDischargeFlagsRecord persists the per-string deep-discharge latch
// (supplemented feature, grounded on foxBMS's clear_persistent_flags-gated
// deep-discharge latch in original_source/), one bit per string.
type DeepDischargeFlagsRecord struct {
	LatchedMask uint8
}

func encodeDeepDischargeFlags(r DeepDischargeFlagsRecord) []byte { return []byte{r.LatchedMask} }
func decodeDeepDischargeFlags(payload []byte) DeepDischargeFlagsRecord {
	return DeepDischargeFlagsRecord{LatchedMask: payload[0]}
}

func (s *Store) ReadDeepDischargeFlags() (DeepDischargeFlagsRecord, error) {
	return readRecord(s, DeepDischargeFlagsRecordID, decodeDeepDischargeFlags)
}

func (s *Store) WriteDeepDischargeFlags(r DeepDischargeFlagsRecord) {
	writeRecord(s, DeepDischargeFlagsRecordID, r, encodeDeepDischargeFlags)
}
