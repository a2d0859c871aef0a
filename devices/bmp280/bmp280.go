// Package bmp280 implements the Bosch BMP280 barometric pressure and
// temperature sensor, as found on HW-611 breakout boards.
//
// The device is calibrated at the factory and stores twelve compensation
// words in NVM. Raw 20-bit conversions are useless on their own; the vendor
// defines two integer polynomials, bit for bit, that turn them into degrees
// Celsius and Pascals. The temperature polynomial also yields t_fine, an
// intermediate the pressure polynomial consumes, so pressure is only valid
// when computed against the temperature from the same measurement burst.
package bmp280

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices"
)

// Register map.
const (
	regCalibStart = 0x88 // 24 bytes, little-endian words
	regChipID     = 0xD0
	regReset      = 0xE0
	regStatus     = 0xF3
	regCtrlMeas   = 0xF4
	regConfig     = 0xF5
	regPressMSB   = 0xF7 // 6-byte burst: pressure then temperature
)

const (
	chipIDBMP280 = 0x58
	resetMagic   = 0xB6
	calibLength  = 24

	// STATUS: bit3 set while a conversion runs, bit0 while NVM data is
	// being copied to the compensation registers.
	statusMeasuring = 0x08
	statusIMUpdate  = 0x01

	// x1 oversampling on both channels, normal mode.
	defaultCtrlMeas = 0x27
)

const (
	defaultReadyTimeout = time.Second
	readyPollInterval   = 10 * time.Millisecond
)

// Config selects the sensor's measurement knobs. Zero values give the x1/x1
// normal-mode default the breakout boards ship with.
type Config struct {
	// CtrlMeas lands in the ctrl_meas register untouched: osrs_t[7:5],
	// osrs_p[4:2], mode[1:0]. 0 means the 0x27 default.
	CtrlMeas byte `json:"ctrl_meas,omitempty"`
	// Filter selects the IIR filter and standby time via the config
	// register: t_sb[7:5], filter[4:2].
	Filter byte `json:"filter,omitempty"`
	// ReadyTimeoutMS bounds every ready wait; 0 means 1000 ms.
	ReadyTimeoutMS int `json:"ready_timeout_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.ReadyTimeoutMS < 0 {
		return goutils.NewConfigValidationError(path, errors.New("ready_timeout_ms must be non-negative"))
	}
	return nil
}

// Calibration is the factory compensation block: dig_T1..dig_T3 and
// dig_P1..dig_P9 from the datasheet, in NVM order.
type Calibration struct {
	T1 uint16
	T2 int16
	T3 int16
	P1 uint16
	P2 int16
	P3 int16
	P4 int16
	P5 int16
	P6 int16
	P7 int16
	P8 int16
	P9 int16
}

// parseCalibration decodes the 24-byte NVM block. The first word of each
// group is unsigned, the rest are signed, all little-endian.
func parseCalibration(block []byte) (Calibration, error) {
	if len(block) != calibLength {
		return Calibration{}, errors.Wrapf(devices.ErrInvalidArgument,
			"calibration block is %d bytes, want exactly %d", len(block), calibLength)
	}
	word := func(i int) uint16 { return binary.LittleEndian.Uint16(block[2*i:]) }
	return Calibration{
		T1: word(0),
		T2: int16(word(1)),
		T3: int16(word(2)),
		P1: word(3),
		P2: int16(word(4)),
		P3: int16(word(5)),
		P4: int16(word(6)),
		P5: int16(word(7)),
		P6: int16(word(8)),
		P7: int16(word(9)),
		P8: int16(word(10)),
		P9: int16(word(11)),
	}, nil
}

// compensateTemperature runs the vendor's 32-bit temperature polynomial.
// It returns degrees Celsius and the t_fine intermediate the pressure
// polynomial needs. Pure function of the calibration and the raw word.
func (c Calibration) compensateTemperature(raw int32) (float64, int32) {
	var1 := (((raw >> 3) - int32(c.T1)<<1) * int32(c.T2)) >> 11
	var2 := (((((raw >> 4) - int32(c.T1)) * ((raw >> 4) - int32(c.T1))) >> 12) * int32(c.T3)) >> 14
	tFine := var1 + var2
	// hundredths of a degree
	t := (tFine*5 + 128) >> 8
	return float64(t) / 100.0, tFine
}

// compensatePressure runs the vendor's 64-bit pressure polynomial against a
// raw word and the t_fine from the same burst. The polynomial divides by an
// intermediate that goes to zero with an all-zero calibration (no sensor, or
// NVM not yet copied); that case reports 0.0 Pa instead of dividing.
func (c Calibration) compensatePressure(raw, tFine int32) float64 {
	var1 := int64(tFine) - 128000
	var2 := var1 * var1 * int64(c.P6)
	var2 += (var1 * int64(c.P5)) << 17
	var2 += int64(c.P4) << 35
	var1 = ((var1 * var1 * int64(c.P3)) >> 8) + ((var1 * int64(c.P2)) << 12)
	var1 = ((int64(1)<<47 + var1) * int64(c.P1)) >> 33
	if var1 == 0 {
		return 0.0
	}
	p := int64(1048576 - raw)
	p = ((p<<31 - var2) * 3125) / var1
	var1 = (int64(c.P9) * (p >> 13) * (p >> 13)) >> 25
	var2 = (int64(c.P8) * p) >> 19
	// Q24.8 fixed point
	p = ((p + var1 + var2) >> 8) + int64(c.P7)<<4
	return float64(p) / 256.0
}

// Reading is one compensated measurement burst.
type Reading struct {
	TemperatureC   float64
	PressurePa     float64
	RawTemperature int32
	RawPressure    int32
}

// BMP280 is one sensor on one bus. It owns its bus handle exclusively and is
// not safe for concurrent use; callers serialize access.
type BMP280 struct {
	handle buses.I2CHandle
	logger golog.Logger
	clock  clock.Clock

	calib   Calibration
	timeout time.Duration
}

// New opens a handle to the sensor described by busCfg, reads the factory
// calibration once, and applies cfg. The calibration is immutable for the
// life of the driver.
func New(ctx context.Context, bus buses.I2C, busCfg buses.Config, cfg Config, logger golog.Logger) (*BMP280, error) {
	if busCfg.Address < 0 || busCfg.Address > 0x7F {
		return nil, errors.Wrapf(devices.ErrInvalidArgument, "device address 0x%X", busCfg.Address)
	}
	handle, err := bus.OpenHandle(byte(busCfg.Address))
	if err != nil {
		return nil, err
	}
	d := &BMP280{handle: handle, logger: logger, clock: clock.New()}
	if err := d.setup(ctx, cfg); err != nil {
		return nil, multierr.Combine(err, handle.Close())
	}
	return d, nil
}

func (d *BMP280) setup(ctx context.Context, cfg Config) error {
	block, err := d.handle.ReadBlockData(ctx, regCalibStart, calibLength)
	if err != nil {
		return err
	}
	calib, err := parseCalibration(block)
	if err != nil {
		return err
	}
	d.calib = calib
	d.logger.Debugf("calibration: T %d %d %d, P %d %d %d %d %d %d %d %d %d",
		calib.T1, calib.T2, calib.T3,
		calib.P1, calib.P2, calib.P3, calib.P4, calib.P5, calib.P6, calib.P7, calib.P8, calib.P9)
	return d.Configure(ctx, cfg)
}

// Configure writes the filter/standby knobs and the measurement mode. The
// config register goes first: once ctrl_meas selects normal mode, the device
// ignores writes to it.
func (d *BMP280) Configure(ctx context.Context, cfg Config) error {
	d.timeout = defaultReadyTimeout
	if cfg.ReadyTimeoutMS > 0 {
		d.timeout = time.Duration(cfg.ReadyTimeoutMS) * time.Millisecond
	}
	ctrlMeas := cfg.CtrlMeas
	if ctrlMeas == 0 {
		ctrlMeas = defaultCtrlMeas
	}
	if err := d.handle.WriteByteData(ctx, regConfig, cfg.Filter); err != nil {
		return err
	}
	return d.handle.WriteByteData(ctx, regCtrlMeas, ctrlMeas)
}

// Reset issues a soft reset. The device reloads its NVM afterwards, so
// callers should wait for ready and reapply Configure before measuring.
func (d *BMP280) Reset(ctx context.Context) error {
	return d.handle.WriteByteData(ctx, regReset, resetMagic)
}

// Connected verifies the chip ID so setup can tell a wrong address apart
// from a dead bus.
func (d *BMP280) Connected(ctx context.Context) error {
	id, err := d.handle.ReadByteData(ctx, regChipID)
	if err != nil {
		return err
	}
	if id != chipIDBMP280 {
		return errors.Errorf("unexpected chip ID 0x%02X (want 0x%02X)", id, chipIDBMP280)
	}
	return nil
}

// waitUntilReady polls STATUS until neither a conversion nor an NVM copy is
// in progress. The deadline comes from the driver's clock so tests can pin
// timing.
func (d *BMP280) waitUntilReady(ctx context.Context) error {
	deadline := d.clock.Now().Add(d.timeout)
	for {
		status, err := d.handle.ReadByteData(ctx, regStatus)
		if err != nil {
			return err
		}
		if status&(statusMeasuring|statusIMUpdate) == 0 {
			return nil
		}
		if !d.clock.Now().Before(deadline) {
			return devices.ErrTimeout
		}
		timer := d.clock.Timer(readyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// readRaw grabs both 20-bit conversions from one 6-byte burst so temperature
// and pressure always describe the same sample.
func (d *BMP280) readRaw(ctx context.Context) (rawTemp, rawPress int32, err error) {
	if err := d.waitUntilReady(ctx); err != nil {
		return 0, 0, errors.Wrap(err, "measurement")
	}
	data, err := d.handle.ReadBlockData(ctx, regPressMSB, 6)
	if err != nil {
		return 0, 0, err
	}
	if len(data) != 6 {
		return 0, 0, errors.Errorf("measurement burst returned %d bytes, want 6", len(data))
	}
	rawPress = int32(data[0])<<12 | int32(data[1])<<4 | int32(data[2])>>4
	rawTemp = int32(data[3])<<12 | int32(data[4])<<4 | int32(data[5])>>4
	return rawTemp, rawPress, nil
}

// ReadAll takes one measurement burst and compensates it. Temperature runs
// first so the pressure polynomial gets a t_fine from this sample, never a
// cached one.
func (d *BMP280) ReadAll(ctx context.Context) (Reading, error) {
	rawTemp, rawPress, err := d.readRaw(ctx)
	if err != nil {
		return Reading{}, err
	}
	tempC, tFine := d.calib.compensateTemperature(rawTemp)
	pressPa := d.calib.compensatePressure(rawPress, tFine)
	d.logger.Debugf("temperature: %7.2f C (raw 0x%05X), pressure: %10.2f Pa (raw 0x%05X)",
		tempC, rawTemp, pressPa, rawPress)
	return Reading{
		TemperatureC:   tempC,
		PressurePa:     pressPa,
		RawTemperature: rawTemp,
		RawPressure:    rawPress,
	}, nil
}

// Temperature returns the compensated temperature in degrees Celsius.
func (d *BMP280) Temperature(ctx context.Context) (float64, error) {
	r, err := d.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return r.TemperatureC, nil
}

// Pressure returns the compensated pressure in Pascals.
func (d *BMP280) Pressure(ctx context.Context) (float64, error) {
	r, err := d.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	return r.PressurePa, nil
}

// Readings takes one measurement burst; this is the surface the aggregator
// consumes.
func (d *BMP280) Readings(ctx context.Context) (map[string]interface{}, error) {
	r, err := d.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"temperature_c":   r.TemperatureC,
		"temperature_f":   r.TemperatureC*9.0/5.0 + 32.0,
		"temperature_raw": r.RawTemperature,
		"pressure_pa":     r.PressurePa,
		"pressure_mmhg":   int(r.PressurePa * 0.00750062),
		"pressure_raw":    r.RawPressure,
	}, nil
}

// Close releases the bus handle.
func (d *BMP280) Close() error {
	return d.handle.Close()
}
