package afe

import (
	"bmsfw/drivers/ltc4015"
	"bmsfw/x/clock"
)

// LTC4015Adapter adapts the teacher's LTC4015 charger-controller driver
// (drivers/ltc4015) into a CurrentSensor/PackSource pair. ReadCoulombAs
// always returns (0, nil); the adapter does not read the driver's QCount
// coulomb-counter register.
type LTC4015Adapter struct {
	dev *ltc4015.Device
	clk clock.Source
}

// NewLTC4015Adapter wraps an already-configured LTC4015 device. Clock
// supplies TimestampMs since the device itself carries no concept of
// time.
func NewLTC4015Adapter(dev *ltc4015.Device, clk clock.Source) *LTC4015Adapter {
	return &LTC4015Adapter{dev: dev, clk: clk}
}

// ReadCurrentMA reports the battery-path current (spec: positive sign
// convention fixed once at soc.Estimator construction, not here).
func (a *LTC4015Adapter) ReadCurrentMA() (int32, error) {
	return a.dev.Ibat_mA()
}

// ReadCoulombAs always reports no accumulated charge; the driver's QCount
// register is not read.
func (a *LTC4015Adapter) ReadCoulombAs() (int64, error) {
	return 0, nil
}

// ReadStringVoltageMV reports the string's terminal voltage.
func (a *LTC4015Adapter) ReadStringVoltageMV() (int32, error) {
	return a.dev.Battery_mVPack()
}

// TimestampMs stamps every read with the shared tick source, since the
// LTC4015 itself carries no clock.
func (a *LTC4015Adapter) TimestampMs() (uint32, error) {
	return a.clk.NowMs(), nil
}

// ReadPackVoltageMV reports the same pack-terminal reading as
// ReadStringVoltageMV, for single-string test rigs where one LTC4015
// stands in for the whole pack's voltage tap.
func (a *LTC4015Adapter) ReadPackVoltageMV() (int32, error) {
	return a.dev.Battery_mVPack()
}

// ReadPackCurrentMA reports the battery-path current as the pack current.
func (a *LTC4015Adapter) ReadPackCurrentMA() (int32, error) {
	return a.dev.Ibat_mA()
}

// ReadInsulationKOhm is not measured by the LTC4015; callers needing
// insulation monitoring must pair this adapter with a dedicated
// PackSource for that one field.
func (a *LTC4015Adapter) ReadInsulationKOhm() (int32, error) {
	return 0, nil
}
