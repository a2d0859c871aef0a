// Package ina260 implements the TI INA260, a precision current, voltage and
// power monitor with an integrated 2 mOhm shunt.
//
// There is no reset-and-wait dance here: the whole operating mode fits in one
// register and the device applies it atomically. Scaling is fixed by the
// integrated shunt, so every reading is a single multiply away from its raw
// register.
package ina260

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices"
)

// Register map.
const (
	regConfig     = 0x00
	regCurrent    = 0x01
	regBusVoltage = 0x02
	regPower      = 0x03
	regMaskEnable = 0x06
	regAlertLimit = 0x07
	regMfgID      = 0xFE
	regDieID      = 0xFF
)

// Fixed scaling from the electrical characteristics table.
const (
	lsbVoltageV = 1.25e-3
	lsbCurrentA = 1.25e-3
	lsbPowerW   = 10e-3
)

// Identification register contents ("TI" and die 0x227 revision 0).
const (
	mfgIDTI     = 0x5449
	dieIDINA260 = 0x2270
)

// CONFIG register field offsets: [15] RST, [11:9] AVG, [8:6] VBUSCT,
// [5:3] ISHCT, [2:0] MODE.
const (
	avgShift     = 9
	busCTShift   = 6
	shuntCTShift = 3
)

// Averaging selects how many samples the device averages into one result.
type Averaging byte

// Averaging codes in register order.
const (
	Avg1 Averaging = iota
	Avg4
	Avg16
	Avg64
	Avg128
	Avg256
	Avg512
	Avg1024
)

// Samples returns the sample count the code stands for.
func (a Averaging) Samples() int {
	return [8]int{1, 4, 16, 64, 128, 256, 512, 1024}[a&0x07]
}

// ConversionTime selects how long the device integrates a single sample.
type ConversionTime byte

// Conversion time codes in register order.
const (
	Time140us ConversionTime = iota
	Time204us
	Time332us
	Time588us
	Time1100us
	Time2116us
	Time4156us
	Time8244us
)

// Duration returns the integration time the code stands for.
func (t ConversionTime) Duration() time.Duration {
	us := [8]int64{140, 204, 332, 588, 1100, 2116, 4156, 8244}
	return time.Duration(us[t&0x07]) * time.Microsecond
}

// OperatingMode selects which quantities convert and whether the device
// free-runs or converts once per mode write.
type OperatingMode byte

// Operating modes. 0x04 is a second power-down encoding; it is omitted so
// every named mode is canonical.
const (
	ModePowerDown         OperatingMode = 0x00
	ModeTriggeredCurrent  OperatingMode = 0x01
	ModeTriggeredVoltage  OperatingMode = 0x02
	ModeTriggered         OperatingMode = 0x03
	ModeContinuousCurrent OperatingMode = 0x05
	ModeContinuousVoltage OperatingMode = 0x06
	ModeContinuous        OperatingMode = 0x07
)

// Config describes the CONFIG register contents field by field.
type Config struct {
	Averaging     Averaging      `json:"averaging"`
	BusConvTime   ConversionTime `json:"bus_conv_time"`
	ShuntConvTime ConversionTime `json:"shunt_conv_time"`
	Mode          OperatingMode  `json:"mode"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Averaging > 0x07 {
		return goutils.NewConfigValidationError(path, errors.New("averaging is a 3-bit code (0-7)"))
	}
	if cfg.BusConvTime > 0x07 {
		return goutils.NewConfigValidationError(path, errors.New("bus_conv_time is a 3-bit code (0-7)"))
	}
	if cfg.ShuntConvTime > 0x07 {
		return goutils.NewConfigValidationError(path, errors.New("shunt_conv_time is a 3-bit code (0-7)"))
	}
	if cfg.Mode > 0x07 {
		return goutils.NewConfigValidationError(path, errors.New("mode is a 3-bit code (0-7)"))
	}
	return nil
}

// Register packs the config into CONFIG register layout. The reset bit is
// never set here; resetting is not part of normal configuration.
func (cfg Config) Register() uint16 {
	return uint16(cfg.Averaging&0x07)<<avgShift |
		uint16(cfg.BusConvTime&0x07)<<busCTShift |
		uint16(cfg.ShuntConvTime&0x07)<<shuntCTShift |
		uint16(cfg.Mode&0x07)
}

// DefaultConfig is a sensible powered-on setup: 4-sample averaging with
// 1.1 ms conversions on both channels, continuously converting.
func DefaultConfig() Config {
	return Config{
		Averaging:     Avg4,
		BusConvTime:   Time1100us,
		ShuntConvTime: Time1100us,
		Mode:          ModeContinuous,
	}
}

// Reading is one snapshot of all three measurement registers.
type Reading struct {
	BusVoltageV float64
	CurrentA    float64
	PowerW      float64
	RawBus      uint16
	RawCurrent  uint16
	RawPower    uint16
}

// INA260 is one monitor on one bus. Like the other drivers here it owns its
// bus handle exclusively and leaves serialization to the caller.
type INA260 struct {
	handle buses.I2CHandle
	logger golog.Logger
	cfg    Config
}

// New opens a handle to the monitor described by busCfg and applies cfg.
func New(ctx context.Context, bus buses.I2C, busCfg buses.Config, cfg Config, logger golog.Logger) (*INA260, error) {
	if busCfg.Address < 0 || busCfg.Address > 0x7F {
		return nil, errors.Wrapf(devices.ErrInvalidArgument, "device address 0x%X", busCfg.Address)
	}
	handle, err := bus.OpenHandle(byte(busCfg.Address))
	if err != nil {
		return nil, err
	}
	d := &INA260{handle: handle, logger: logger}
	if err := d.Configure(ctx, cfg); err != nil {
		return nil, multierr.Combine(err, handle.Close())
	}
	return d, nil
}

// Configure writes the operating mode. The device applies it atomically, so
// there is nothing to wait for afterwards.
func (d *INA260) Configure(ctx context.Context, cfg Config) error {
	d.cfg = cfg
	value := cfg.Register()
	d.logger.Debugf("configure: avg=%d samples, vbus_ct=%s, ishunt_ct=%s, mode=0b%03b",
		cfg.Averaging.Samples(), cfg.BusConvTime.Duration(), cfg.ShuntConvTime.Duration(), byte(cfg.Mode))
	d.logger.Debugf("configure: CONFIG: 0b%016b", value)
	return d.handle.WriteWordData(ctx, regConfig, value)
}

// Connected verifies the manufacturer and die IDs so setup can tell a wrong
// address apart from a dead bus.
func (d *INA260) Connected(ctx context.Context) error {
	mfg, err := d.handle.ReadWordData(ctx, regMfgID)
	if err != nil {
		return err
	}
	die, err := d.handle.ReadWordData(ctx, regDieID)
	if err != nil {
		return err
	}
	if mfg != mfgIDTI || die != dieIDINA260 {
		return errors.Errorf(
			"unexpected device IDs: manufacturer 0x%04X (want 0x%04X), die 0x%04X (want 0x%04X)",
			mfg, mfgIDTI, die, dieIDINA260)
	}
	return nil
}

// Voltage returns the bus voltage in volts.
func (d *INA260) Voltage(ctx context.Context) (float64, error) {
	raw, err := d.handle.ReadWordData(ctx, regBusVoltage)
	if err != nil {
		return 0, err
	}
	return float64(raw) * lsbVoltageV, nil
}

// Current returns the shunt current in amps.
func (d *INA260) Current(ctx context.Context) (float64, error) {
	raw, err := d.handle.ReadWordData(ctx, regCurrent)
	if err != nil {
		return 0, err
	}
	return float64(raw) * lsbCurrentA, nil
}

// Power returns the computed power in watts.
func (d *INA260) Power(ctx context.Context) (float64, error) {
	raw, err := d.handle.ReadWordData(ctx, regPower)
	if err != nil {
		return 0, err
	}
	return float64(raw) * lsbPowerW, nil
}

// ReadAll reads the three measurement registers, voltage then current then
// power, and scales each one.
func (d *INA260) ReadAll(ctx context.Context) (Reading, error) {
	rawBus, err := d.handle.ReadWordData(ctx, regBusVoltage)
	if err != nil {
		return Reading{}, err
	}
	rawCurrent, err := d.handle.ReadWordData(ctx, regCurrent)
	if err != nil {
		return Reading{}, err
	}
	rawPower, err := d.handle.ReadWordData(ctx, regPower)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{
		BusVoltageV: float64(rawBus) * lsbVoltageV,
		CurrentA:    float64(rawCurrent) * lsbCurrentA,
		PowerW:      float64(rawPower) * lsbPowerW,
		RawBus:      rawBus,
		RawCurrent:  rawCurrent,
		RawPower:    rawPower,
	}
	d.logger.Debugf("bus_voltage_v: %9.4f (raw 0x%04X)", r.BusVoltageV, rawBus)
	d.logger.Debugf("current_a    : %9.4f (raw 0x%04X)", r.CurrentA, rawCurrent)
	d.logger.Debugf("power_w      : %9.4f (raw 0x%04X)", r.PowerW, rawPower)
	return r, nil
}

// Readings reads all three quantities; this is the surface the aggregator
// consumes.
func (d *INA260) Readings(ctx context.Context) (map[string]interface{}, error) {
	r, err := d.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"bus_voltage_v": r.BusVoltageV,
		"current_a":     r.CurrentA,
		"power_w":       r.PowerW,
		"raw_bus":       r.RawBus,
		"raw_current":   r.RawCurrent,
		"raw_power":     r.RawPower,
	}, nil
}

// Close releases the bus handle.
func (d *INA260) Close() error {
	return d.handle.Close()
}
