// Package afe names the external analog-front-end and current-sensor
// collaborators (spec §1: "treated as external collaborators with named
// interfaces only") and samples them into a measure.Snapshot. It never
// implements silicon access itself; it only fixes the narrow seam a real
// driver plugs into, grounded on the teacher's tinygo.org/x/drivers.I2C
// device-construction shape (drivers/ltc4015/device.go's `New(bus
// drivers.I2C, cfg Config) *Device`).
package afe

import (
	"bmsfw/internal/measure"
	"bmsfw/internal/params"

	"tinygo.org/x/drivers"
)

// Bus is the narrow I2C seam an AFE or current-sensor driver is built on.
// Re-exported from tinygo.org/x/drivers so callers wiring a real device
// (e.g. drivers/ltc4015) never need a second import for the same type.
type Bus = drivers.I2C

// CellMonitor is the per-string cell-stack AFE collaborator: a chip (or
// chain of chips) read over I2C/SPI that this module does not implement.
// Narrowed to exactly the per-cell-block reads the balancing engine
// (§4.G) and SOC estimator (§4.F) need.
type CellMonitor interface {
	ReadCellMV(module, cellBlock int) (int32, error)
	ReadCellTempDdegC(module, cellBlock int) (int32, error)
}

// CurrentSensor is the per-string coulomb-counting shunt/hall-sensor
// collaborator. ReadCoulombAs returns zero with no error when the
// sensor provides no coulomb count. soc.Estimator uses the coulomb count
// only for strings initialized with ccSensorPresent set; other strings
// integrate ReadCurrentMA over time instead (spec §4.F path 3).
type CurrentSensor interface {
	ReadCurrentMA() (int32, error)
	ReadCoulombAs() (int64, error)
	ReadStringVoltageMV() (int32, error)
	TimestampMs() (uint32, error)
}

// PackSource supplies the pack-level scalars not attributable to a
// single string: total pack voltage/current and insulation resistance.
type PackSource interface {
	ReadPackVoltageMV() (int32, error)
	ReadPackCurrentMA() (int32, error)
	ReadInsulationKOhm() (int32, error)
}

// StringSource gathers one string's collaborators. Either field may be
// nil for a string not yet commissioned; Sampler leaves that string's
// snapshot fields at their previous value.
type StringSource struct {
	Cells   CellMonitor
	Current CurrentSensor
}

// Sampler pulls NRStrings StringSources and one PackSource into a fresh
// measure.Snapshot. The single-writer double-buffer discipline named in
// spec §4.D is the caller's responsibility: Sample only builds a value,
// the caller publishes it via measure.Buffer.Publish.
type Sampler struct {
	strings [params.NRStrings]StringSource
	pack    PackSource
}

// NewSampler constructs a Sampler over the given per-string collaborators
// and pack-level source.
func NewSampler(strings [params.NRStrings]StringSource, pack PackSource) *Sampler {
	return &Sampler{strings: strings, pack: pack}
}

// Sample builds one complete frame, seeded from prev so a failed read of
// any single field holds the last known-good value rather than zeroing
// it (a driver error is reported to diagnostics by the caller, which also
// owns the staleness-via-timestamp contract of spec §4.D).
func (s *Sampler) Sample(prev *measure.Snapshot, now uint32) measure.Snapshot {
	next := *prev
	for i := 0; i < params.NRStrings; i++ {
		s.sampleString(i, &next.Strings[i])
	}
	if s.pack != nil {
		frame := &next.Pack
		if v, err := s.pack.ReadPackVoltageMV(); err == nil {
			frame.PackVoltageMV = v
		}
		if v, err := s.pack.ReadPackCurrentMA(); err == nil {
			frame.PackCurrentMA = v
		}
		if v, err := s.pack.ReadInsulationKOhm(); err == nil {
			frame.InsulationKOhm = v
		}
		frame.TimestampMs = now
	}
	return next
}

func (s *Sampler) sampleString(i int, frame *measure.StringFrame) {
	src := &s.strings[i]
	if src.Current != nil {
		if v, err := src.Current.ReadCurrentMA(); err == nil {
			frame.CurrentMA = v
		}
		if v, err := src.Current.ReadCoulombAs(); err == nil {
			frame.CoulombAs = v
		}
		if v, err := src.Current.ReadStringVoltageMV(); err == nil {
			frame.StringVoltageMV = v
		}
		if ts, err := src.Current.TimestampMs(); err == nil {
			frame.TimestampMs = ts
		}
	}
	if src.Cells == nil {
		return
	}

	var minMV, maxMV, sum int32
	var minTemp, maxTemp int32
	n, nt := 0, 0
	for m := 0; m < params.NRModulesPerString; m++ {
		for cb := 0; cb < params.NRCellBlocksPerModule; cb++ {
			v, err := src.Cells.ReadCellMV(m, cb)
			if err != nil {
				continue
			}
			frame.CellMV[m][cb] = v
			sum += v
			if n == 0 || v < minMV {
				minMV = v
			}
			if n == 0 || v > maxMV {
				maxMV = v
			}
			n++

			if t, err := src.Cells.ReadCellTempDdegC(m, cb); err == nil {
				frame.CellTempDdegC[m][cb] = t
				if nt == 0 || t < minTemp {
					minTemp = t
				}
				if nt == 0 || t > maxTemp {
					maxTemp = t
				}
				nt++
			}
		}
	}
	if n == 0 {
		return
	}
	frame.MinCellMV = minMV
	frame.MaxCellMV = maxMV
	frame.AvgCellMV = sum / int32(n)
	if nt > 0 {
		frame.MinCellTempC = minTemp
		frame.MaxCellTempC = maxTemp
	}
}
