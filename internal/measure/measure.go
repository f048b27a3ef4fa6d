// Package measure defines the MeasurementSnapshot (spec §3, §4.D): the
// read-only view of cell/string/pack analog values the core consumes.
// The hardware abstraction for analog front-ends and current sensors is
// an out-of-scope external collaborator; this package only fixes the
// data shape and the single-writer double-buffer discipline the
// producer must honor so reads here never observe a torn frame.
package measure

import (
	"sync/atomic"

	"bmsfw/internal/params"
	"bmsfw/x/clock"
)

// StringFrame is the per-string slice of a Snapshot.
type StringFrame struct {
	MinCellMV       int32
	AvgCellMV       int32
	MaxCellMV       int32
	MinCellTempC    int32 // deci-degC
	MaxCellTempC    int32 // deci-degC
	StringVoltageMV int32 // terminal voltage of the string, across all cells
	CurrentMA       int32
	CoulombAs       int64 // cumulative coulomb-count, ampere-seconds
	TimestampMs     clock.Ms

	// CellMV and CellTempDdegC carry the per-cell-block granularity the
	// balancing engine's activate sweep (spec §4.G) needs; MinCellMV/
	// AvgCellMV/MaxCellMV above are the string-level reduction of these.
	CellMV        [params.NRModulesPerString][params.NRCellBlocksPerModule]int32
	CellTempDdegC [params.NRModulesPerString][params.NRCellBlocksPerModule]int32
}

// PackFrame is the pack-level slice of a Snapshot.
type PackFrame struct {
	PackVoltageMV     int32
	PackCurrentMA     int32
	InsulationKOhm    int32
	TimestampMs       clock.Ms
}

// Snapshot is one immutable, complete frame. Once published it is never
// mutated; the producer builds the next Snapshot value and swaps the
// pointer, which is what makes Buffer safe for concurrent readers.
type Snapshot struct {
	Strings [params.NRStrings]StringFrame
	Pack    PackFrame
}

// Buffer is the single-writer, multi-reader double-buffer the producer
// publishes into and the core reads from.
type Buffer struct {
	cur atomic.Pointer[Snapshot]
}

// NewBuffer returns a Buffer pre-seeded with a zero Snapshot so Load
// never returns nil.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.cur.Store(&Snapshot{})
	return b
}

// Publish installs a new complete frame. Only the producer (driver layer)
// calls this.
func (b *Buffer) Publish(s Snapshot) {
	b.cur.Store(&s)
}

// Load returns the latest complete frame. Safe for any number of
// concurrent readers; the returned pointer must be treated as immutable.
func (b *Buffer) Load() *Snapshot {
	return b.cur.Load()
}

// Fresh reports whether a sub-frame timestamp is within the staleness
// threshold of now.
func Fresh(ts, now clock.Ms) bool {
	return clock.ElapsedSince(ts, now) <= params.StalenessThresholdMs
}

// StringFresh reports freshness of string index s in snapshot.
func (s *Snapshot) StringFresh(idx int, now clock.Ms) bool {
	return Fresh(s.Strings[idx].TimestampMs, now)
}

// PackFresh reports freshness of the pack-level sub-frame.
func (s *Snapshot) PackFresh(now clock.Ms) bool {
	return Fresh(s.Pack.TimestampMs, now)
}
