// Package soc implements the SOC Estimator (spec §4.F): per-string
// coulomb-counted and OCV-recalibrated state of charge, persisted across
// reboots through the Persistent Store. Grounded on the teacher's
// LUT-driven lithium/lead-acid chemistry tables in
// drivers/ltc4015/chemistry.go and lithium.go (descending-voltage
// breakpoint tables with linear interpolation between bracketing
// entries), generalized to the OCV→SOC domain.
package soc

import (
	"bmsfw/internal/measure"
	"bmsfw/internal/nvm"
	"bmsfw/internal/params"
	"bmsfw/internal/restobs"
	"bmsfw/x/clock"
	"bmsfw/x/mathx"
)

// OcvPoint is one breakpoint of the descending-voltage OCV→SOC lookup
// table (spec §4.F, §8 monotonicity invariant).
type OcvPoint struct {
	VoltageMV int32
	SocPerc   float64
}

// DefaultOcvTable is a representative lithium-ion OCV curve. Voltages
// are strictly descending, as the lookup requires.
var DefaultOcvTable = []OcvPoint{
	{VoltageMV: 4200, SocPerc: 100},
	{VoltageMV: 4100, SocPerc: 90},
	{VoltageMV: 4000, SocPerc: 80},
	{VoltageMV: 3900, SocPerc: 70},
	{VoltageMV: 3800, SocPerc: 60},
	{VoltageMV: 3700, SocPerc: 50},
	{VoltageMV: 3600, SocPerc: 40},
	{VoltageMV: 3500, SocPerc: 30},
	{VoltageMV: 3400, SocPerc: 20},
	{VoltageMV: 3300, SocPerc: 10},
	{VoltageMV: 3000, SocPerc: 0},
}

// Lookup returns the interpolated SOC for a cell voltage, clamping to
// the endpoint SOC outside the table's domain (no extrapolation).
func Lookup(table []OcvPoint, voltageMV int32) float64 {
	if len(table) == 0 {
		return 0
	}
	if voltageMV >= table[0].VoltageMV {
		return table[0].SocPerc
	}
	last := len(table) - 1
	if voltageMV <= table[last].VoltageMV {
		return table[last].SocPerc
	}
	for i := 0; i < last; i++ {
		hi, lo := table[i], table[i+1]
		if voltageMV <= hi.VoltageMV && voltageMV >= lo.VoltageMV {
			return mathx.LerpF64(float64(lo.VoltageMV), lo.SocPerc, float64(hi.VoltageMV), hi.SocPerc, float64(voltageMV))
		}
	}
	return table[last].SocPerc
}

// stringState is the per-string working set (spec §3 SocState).
type stringState struct {
	avgPerc, minPerc, maxPerc float64

	ccScalingAvg, ccScalingMin, ccScalingMax float64

	previousTimestampMs clock.Ms
	sensorCcUsed        bool
	initialized         bool
}

// Estimator is the SOC Estimator. One instance serves every string.
type Estimator struct {
	strings [params.NRStrings]stringState

	store *nvm.Store
	pack  restobs.PackObserver

	ocvTable []OcvPoint

	// dischargeCurrentPositive fixes the single polarity contract this
	// spec's open question requires: a positive current/coulomb-count
	// reading means the string is discharging. Applied once, here, at
	// ingest; no other package re-interprets sign.
	dischargeCurrentPositive bool

	capacityAs  float64
	capacityMAs float64
}

// NewEstimator constructs an Estimator. capacityAh is the string's rated
// capacity in ampere-hours.
func NewEstimator(store *nvm.Store, pack restobs.PackObserver, capacityAh float64, dischargeCurrentPositive bool) *Estimator {
	capacityAs := capacityAh * 3600
	return &Estimator{
		store:                    store,
		pack:                     pack,
		ocvTable:                 DefaultOcvTable,
		dischargeCurrentPositive: dischargeCurrentPositive,
		capacityAs:               capacityAs,
		capacityMAs:              capacityAs * 1000,
	}
}

func clampPerc(v float64) float64 { return mathx.Clamp(v, 0, 100) }

// Initialize reads the persisted SOC record for string s and establishes
// the coulomb-count scaling baseline so the first Compute call
// reproduces exactly the persisted value (spec §4.F).
func (e *Estimator) Initialize(s params.StringIndex, ccSensorPresent bool, snap *measure.Snapshot) {
	rec, _ := e.store.ReadSoc() // defaulted record on bad CRC, per §4.B contract
	st := &e.strings[s]

	st.avgPerc = clampPerc(float64(rec.Strings[s].AvgPerc))
	st.minPerc = clampPerc(float64(rec.Strings[s].MinPerc))
	st.maxPerc = clampPerc(float64(rec.Strings[s].MaxPerc))
	st.sensorCcUsed = ccSensorPresent
	st.previousTimestampMs = snap.Strings[s].TimestampMs
	st.initialized = true

	initialDeltaPerc := e.coulombToPerc(float64(snap.Strings[s].CoulombAs))
	if e.dischargeCurrentPositive {
		st.ccScalingAvg = st.avgPerc + initialDeltaPerc
		st.ccScalingMin = st.minPerc + initialDeltaPerc
		st.ccScalingMax = st.maxPerc + initialDeltaPerc
	} else {
		st.ccScalingAvg = st.avgPerc - initialDeltaPerc
		st.ccScalingMin = st.minPerc - initialDeltaPerc
		st.ccScalingMax = st.maxPerc - initialDeltaPerc
	}
}

func (e *Estimator) coulombToPerc(coulombAs float64) float64 {
	return coulombAs / e.capacityAs * 100
}

// Compute runs one algorithm-tick update for every string and schedules
// a persistence flush for whatever changed (spec §4.F).
func (e *Estimator) Compute(snap *measure.Snapshot, now clock.Ms) {
	atRest := e.pack.AtRest()
	dirty := false
	for i := 0; i < params.NRStrings; i++ {
		idx := params.StringIndex(i)
		if e.computeOne(idx, snap, now, atRest) {
			dirty = true
		}
	}
	if dirty {
		e.flush()
	}
}

func (e *Estimator) computeOne(s params.StringIndex, snap *measure.Snapshot, now clock.Ms, atRest bool) bool {
	st := &e.strings[s]
	if !st.initialized {
		return false
	}
	frame := &snap.Strings[s]

	if atRest {
		st.avgPerc = clampPerc(Lookup(e.ocvTable, frame.AvgCellMV))
		st.minPerc = clampPerc(Lookup(e.ocvTable, frame.MinCellMV))
		st.maxPerc = clampPerc(Lookup(e.ocvTable, frame.MaxCellMV))
		return true
	}

	if st.sensorCcUsed {
		if frame.TimestampMs == st.previousTimestampMs {
			return false // coulomb-count timestamp has not advanced
		}
		st.previousTimestampMs = frame.TimestampMs
		delta := e.coulombToPerc(float64(frame.CoulombAs))
		if !e.dischargeCurrentPositive {
			delta = -delta
		}
		st.avgPerc = clampPerc(st.ccScalingAvg - delta)
		st.minPerc = clampPerc(st.ccScalingMin - delta)
		st.maxPerc = clampPerc(st.ccScalingMax - delta)
		return true
	}

	if frame.TimestampMs == st.previousTimestampMs {
		return false // current measurement has not advanced
	}
	dtS := float64(clock.ElapsedSince(st.previousTimestampMs, frame.TimestampMs)) / 1000
	st.previousTimestampMs = frame.TimestampMs
	delta := float64(frame.CurrentMA) * dtS / e.capacityMAs * 100
	if !e.dischargeCurrentPositive {
		delta = -delta
	}
	st.avgPerc = clampPerc(st.avgPerc - delta)
	st.minPerc = clampPerc(st.minPerc - delta)
	st.maxPerc = clampPerc(st.maxPerc - delta)
	return true
}

func (e *Estimator) flush() {
	var rec nvm.SocRecord
	for i := 0; i < params.NRStrings; i++ {
		st := &e.strings[i]
		rec.Strings[i] = nvm.StringSoc{
			AvgPerc: float32(st.avgPerc),
			MinPerc: float32(st.minPerc),
			MaxPerc: float32(st.maxPerc),
		}
	}
	e.store.WriteSoc(rec)
}

// Perc returns string s's current (avg, min, max) SOC percentages.
func (e *Estimator) Perc(s params.StringIndex) (avg, min, max float64) {
	st := &e.strings[s]
	return st.avgPerc, st.minPerc, st.maxPerc
}
