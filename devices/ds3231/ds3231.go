// Package ds3231 implements the Maxim DS3231 real-time clock. Timekeeping
// registers are BCD; the only arithmetic here is packing and unpacking them.
// The chip also exposes the die temperature it uses for crystal compensation,
// which comes along for free in telemetry.
package ds3231

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices"
)

// Register map.
const (
	regSeconds = 0x00
	regMinutes = 0x01
	regHours   = 0x02
	regDay     = 0x03
	regDate    = 0x04
	regMonth   = 0x05
	regYear    = 0x06
	regTempMSB = 0x11
	regTempLSB = 0x12
)

// HOURS register bits: bit6 selects 12-hour mode, bit5 is then PM.
// MONTH bit7 is the century flag; the year window below makes it moot.
const (
	hours12Bit  = 0x40
	hoursPMBit  = 0x20
	monthMask   = 0x1F
	secondsMask = 0x7F
	minutesMask = 0x7F
	dateMask    = 0x3F
)

// The year register holds two BCD digits, so the driver fixes the century.
const (
	yearMin = 2000
	yearMax = 2099
)

func bcdToInt(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

func intToBCD(i int) byte {
	return byte(i/10)<<4 | byte(i%10)
}

// DS3231 is one clock on one bus. It owns its bus handle exclusively and is
// not safe for concurrent use; callers serialize access.
type DS3231 struct {
	handle buses.I2CHandle
	logger golog.Logger
}

// New opens a handle to the clock described by busCfg.
func New(ctx context.Context, bus buses.I2C, busCfg buses.Config, logger golog.Logger) (*DS3231, error) {
	if busCfg.Address < 0 || busCfg.Address > 0x7F {
		return nil, errors.Wrapf(devices.ErrInvalidArgument, "device address 0x%X", busCfg.Address)
	}
	handle, err := bus.OpenHandle(byte(busCfg.Address))
	if err != nil {
		return nil, err
	}
	return &DS3231{handle: handle, logger: logger}, nil
}

// ReadTime returns the clock's current time in the local zone. Both 12- and
// 24-hour register modes decode; the century bit is ignored in favor of the
// fixed 2000-2099 window.
func (d *DS3231) ReadTime(ctx context.Context) (time.Time, error) {
	raw, err := d.handle.ReadBlockData(ctx, regSeconds, 7)
	if err != nil {
		return time.Time{}, err
	}
	if len(raw) != 7 {
		return time.Time{}, errors.Errorf("time register read returned %d bytes, want 7", len(raw))
	}
	sec := bcdToInt(raw[0] & secondsMask)
	minute := bcdToInt(raw[1] & minutesMask)

	hourReg := raw[2]
	var hour int
	if hourReg&hours12Bit != 0 {
		hour = bcdToInt(hourReg & 0x1F)
		if hourReg&hoursPMBit != 0 {
			if hour != 12 {
				hour = (hour + 12) % 24
			}
		} else if hour == 12 {
			// 12 AM is midnight
			hour = 0
		}
	} else {
		hour = bcdToInt(hourReg & 0x3F)
	}

	day := bcdToInt(raw[4] & dateMask)
	month := bcdToInt(raw[5] & monthMask)
	year := bcdToInt(raw[6]) + yearMin

	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.Local), nil
}

// SetTime programs the clock from t's wall-clock fields, always in 24-hour
// mode. Years outside the register's 2000-2099 window are rejected before
// anything is written.
func (d *DS3231) SetTime(ctx context.Context, t time.Time) error {
	if t.Year() < yearMin || t.Year() > yearMax {
		return errors.Wrapf(devices.ErrInvalidArgument,
			"year %d is outside the clock's range [%d, %d]", t.Year(), yearMin, yearMax)
	}
	// DAY counts Monday=1 through Sunday=7
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	data := []byte{
		intToBCD(t.Second()),
		intToBCD(t.Minute()),
		intToBCD(t.Hour()),
		intToBCD(weekday),
		intToBCD(t.Day()),
		intToBCD(int(t.Month())),
		intToBCD(t.Year() - yearMin),
	}
	return d.handle.WriteBlockData(ctx, regSeconds, data)
}

// Temperature returns the die temperature in degrees Celsius at the chip's
// 0.25 degree resolution: a signed integer MSB plus two fraction bits in the
// top of the LSB.
func (d *DS3231) Temperature(ctx context.Context) (float64, error) {
	msb, err := d.handle.ReadByteData(ctx, regTempMSB)
	if err != nil {
		return 0, err
	}
	lsb, err := d.handle.ReadByteData(ctx, regTempLSB)
	if err != nil {
		return 0, err
	}
	return float64(int8(msb)) + float64(lsb>>6)*0.25, nil
}

// Readings reads the time and die temperature; this is the surface the
// aggregator consumes.
func (d *DS3231) Readings(ctx context.Context) (map[string]interface{}, error) {
	t, err := d.ReadTime(ctx)
	if err != nil {
		return nil, err
	}
	temp, err := d.Temperature(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"time":          t.Format(time.RFC3339),
		"temperature_c": temp,
	}, nil
}

// Close releases the bus handle.
func (d *DS3231) Close() error {
	return d.handle.Close()
}
