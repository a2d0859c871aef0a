// Package adc128d818 implements the TI ADC128D818, an 8 channel 12-bit
// delta-sigma ADC with a temperature sensor and an internal 2.56 V reference.
//
// Most configuration registers are only writable while the device sits in
// shutdown, so Configure always resets first, programs everything, then
// leaves shutdown. In low-power mode every read triggers a one-shot
// conversion; in continuous mode the device free-runs and reads just grab
// the latest result.
package adc128d818

import (
	"context"
	"fmt"
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
	regConfig       = 0x00
	regIntStatus    = 0x01
	regIntMask      = 0x03
	regConvRate     = 0x07
	regChanDisable  = 0x08
	regOneShot      = 0x09
	regDeepShutdown = 0x0A
	regAdvConfig    = 0x0B
	regBusyStatus   = 0x0C
	regReadingBase  = 0x20 // 0x20..0x27 inclusive (IN0..IN7 / temp as assigned)
	regLimitsBase   = 0x2A // IN0 high at 0x2A, low at 0x2B, then IN1, etc
	regMfgID        = 0xFE
	regDieID        = 0xFF
)

// CONFIG register bits: bit0 START, bit1 INT_Enable, bit3 INT_Clear,
// bit7 INITIALIZATION.
const (
	configStartBit = 0x01
	configInitBit  = 0x80
)

// BUSY_STATUS: bit0 busy converting, bit1 not yet ready after power-up.
const busyMask = 0x03

// advModeShift positions the 2-bit operating mode in ADV_CONFIG (bit0 there
// selects an external reference instead). Silicon revisions disagree on this
// offset; confirm it against the datasheet revision of the target device.
const advModeShift = 1

// The internal reference gives 0.625 mV per LSB.
const (
	internalVrefV = 2.56
	lsbVolts      = internalVrefV / 4096.0
)

const (
	defaultReadyTimeout = time.Second
	readyPollInterval   = 10 * time.Millisecond
	settleDelay         = 10 * time.Millisecond
)

// Config describes how to set up the converter. It round-trips losslessly
// through a plain map for file-backed setups.
type Config struct {
	// Start asserts the START bit at the end of Configure.
	Start bool `json:"start"`
	// Continuous selects free-running conversion. False selects low-power
	// mode, where the device converts all enabled channels once per one-shot
	// trigger and then shuts back down.
	Continuous bool `json:"continuous"`
	// DisableMask excludes channel i from conversion when bit i is set.
	DisableMask byte `json:"disable_mask"`
	// Mode is the 2-bit operating mode selector from the datasheet; it
	// decides which inputs land in which reading registers.
	Mode byte `json:"mode"`
	// ChannelScales compensates per channel for an external voltage divider
	// ahead of the input. For a 10k/30k divider the multiplier is 4.0.
	// Empty means all channels at 1.0; anything else must be length 8.
	ChannelScales []float64 `json:"channel_scales,omitempty"`
	// ReadyTimeoutMS bounds every ready wait; 0 means 1000 ms.
	ReadyTimeoutMS int `json:"ready_timeout_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if len(cfg.ChannelScales) != 0 && len(cfg.ChannelScales) != 8 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("channel_scales has %d entries, want exactly 8", len(cfg.ChannelScales)))
	}
	if cfg.Mode > 0x03 {
		return goutils.NewConfigValidationError(path, errors.New("mode is a 2-bit selector (0-3)"))
	}
	if cfg.ReadyTimeoutMS < 0 {
		return goutils.NewConfigValidationError(path, errors.New("ready_timeout_ms must be non-negative"))
	}
	return nil
}

// ChannelReading is one channel's untouched register contents and the
// voltage derived from them.
type ChannelReading struct {
	Raw   uint16
	Volts float64
}

// ADC128D818 is one converter on one bus. It owns its bus handle exclusively
// and is not safe for concurrent use; callers serialize access, matching the
// single-owner model of the bus itself.
type ADC128D818 struct {
	handle buses.I2CHandle
	logger golog.Logger
	clock  clock.Clock

	cfg     Config
	scales  [8]float64
	timeout time.Duration
}

// New opens a handle to the converter described by busCfg and applies cfg.
// The device is fully configured, and converting if cfg.Start, on return.
func New(ctx context.Context, bus buses.I2C, busCfg buses.Config, cfg Config, logger golog.Logger) (*ADC128D818, error) {
	if busCfg.Address < 0 || busCfg.Address > 0x7F {
		return nil, errors.Wrapf(devices.ErrInvalidArgument, "device address 0x%X", busCfg.Address)
	}
	handle, err := bus.OpenHandle(byte(busCfg.Address))
	if err != nil {
		return nil, err
	}
	d := &ADC128D818{handle: handle, logger: logger, clock: clock.New()}
	if err := d.Configure(ctx, cfg); err != nil {
		return nil, multierr.Combine(err, handle.Close())
	}
	return d, nil
}

// Configure resets the converter and applies cfg. The datasheet only allows
// the mode, conversion rate, channel disables and limits to be written in
// shutdown, so the sequence is fixed: reset, wait until ready, program
// everything, leave shutdown, then optionally start. A failed Configure
// leaves the device's position in that sequence unknown; rerunning it is
// safe because the reset is always the first write.
func (d *ADC128D818) Configure(ctx context.Context, cfg Config) error {
	scales := [8]float64{1, 1, 1, 1, 1, 1, 1, 1}
	switch len(cfg.ChannelScales) {
	case 0:
	case 8:
		copy(scales[:], cfg.ChannelScales)
	default:
		return errors.Wrapf(devices.ErrInvalidArgument,
			"channel_scales has %d entries, want exactly 8", len(cfg.ChannelScales))
	}
	cfg.Mode &= 0x03
	d.cfg = cfg
	d.scales = scales
	d.timeout = defaultReadyTimeout
	if cfg.ReadyTimeoutMS > 0 {
		d.timeout = time.Duration(cfg.ReadyTimeoutMS) * time.Millisecond
	}

	if err := d.handle.WriteByteData(ctx, regConfig, configInitBit); err != nil {
		return err
	}
	// per datasheet, 10ms after writing INITIALIZATION
	if !goutils.SelectContextOrWait(ctx, settleDelay) {
		return ctx.Err()
	}
	if err := d.waitUntilReady(ctx); err != nil {
		return errors.Wrap(err, "reset")
	}

	if err := d.handle.WriteByteData(ctx, regAdvConfig, cfg.Mode<<advModeShift); err != nil {
		return err
	}
	convRate := byte(0x00)
	if cfg.Continuous {
		convRate = 0x01
	}
	if err := d.handle.WriteByteData(ctx, regConvRate, convRate); err != nil {
		return err
	}
	if err := d.handle.WriteByteData(ctx, regChanDisable, cfg.DisableMask); err != nil {
		return err
	}
	if err := d.handle.WriteByteData(ctx, regIntMask, 0x00); err != nil {
		return err
	}
	// park every alarm window at full scale so the interrupt pin stays quiet
	for ch := 0; ch < 8; ch++ {
		if err := d.SetLimitsRaw(ctx, ch, 0x0000, 0x0FFF); err != nil {
			return err
		}
	}

	if err := d.handle.WriteByteData(ctx, regConfig, 0x00); err != nil {
		return err
	}
	if !goutils.SelectContextOrWait(ctx, settleDelay) {
		return ctx.Err()
	}

	if cfg.Start {
		if err := d.setStart(ctx, true); err != nil {
			return err
		}
	}

	d.dumpRegisters(ctx)
	return nil
}

// waitUntilReady polls BUSY_STATUS until both the busy and not-ready bits
// clear. The deadline comes from the driver's clock so tests can pin timing.
func (d *ADC128D818) waitUntilReady(ctx context.Context) error {
	deadline := d.clock.Now().Add(d.timeout)
	for {
		busy, err := d.handle.ReadByteData(ctx, regBusyStatus)
		if err != nil {
			return err
		}
		if busy&busyMask == 0 {
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

// TriggerOneShot starts a single conversion of all enabled channels and
// waits for it to finish. The device only honors the trigger in shutdown or
// deep shutdown. INT_STATUS is read first: a pending interrupt would hold
// the ready bits and stall the wait.
func (d *ADC128D818) TriggerOneShot(ctx context.Context) error {
	if _, err := d.handle.ReadByteData(ctx, regIntStatus); err != nil {
		return err
	}
	if err := d.handle.WriteByteData(ctx, regOneShot, 0x01); err != nil {
		return err
	}
	if err := d.waitUntilReady(ctx); err != nil {
		return errors.Wrap(err, "one-shot conversion")
	}
	return nil
}

// DeepShutdown moves the converter in or out of its lowest power state.
// START must be cleared before the request or the device ignores it.
// Leaving deep shutdown does not restart conversions.
func (d *ADC128D818) DeepShutdown(ctx context.Context, enable bool) error {
	if enable {
		if err := d.setStart(ctx, false); err != nil {
			return err
		}
		return d.handle.WriteByteData(ctx, regDeepShutdown, 0x01)
	}
	return d.handle.WriteByteData(ctx, regDeepShutdown, 0x00)
}

func (d *ADC128D818) setStart(ctx context.Context, enable bool) error {
	cfg, err := d.handle.ReadByteData(ctx, regConfig)
	if err != nil {
		return err
	}
	if enable {
		cfg |= configStartBit
	} else {
		cfg &^= configStartBit
	}
	return d.handle.WriteByteData(ctx, regConfig, cfg)
}

// SetLimitsRaw programs one channel's alarm window from raw register values.
// The high limit lands at the channel's base register and the low limit
// right above it. Only valid in shutdown.
func (d *ADC128D818) SetLimitsRaw(ctx context.Context, index int, low, high uint16) error {
	if index < 0 || index > 7 {
		return errors.Wrapf(devices.ErrInvalidArgument, "channel index %d must be within [0..7]", index)
	}
	reg := byte(regLimitsBase + index*2)
	if err := d.handle.WriteWordData(ctx, reg, high); err != nil {
		return err
	}
	return d.handle.WriteWordData(ctx, reg+1, low)
}

// ReadChannelRaw returns one channel's 16-bit reading register untouched.
// It does not trigger a conversion or wait for readiness.
func (d *ADC128D818) ReadChannelRaw(ctx context.Context, index int) (uint16, error) {
	if index < 0 || index > 7 {
		return 0, errors.Wrapf(devices.ErrInvalidArgument, "channel index %d must be within [0..7]", index)
	}
	if _, err := d.handle.ReadByteData(ctx, regIntStatus); err != nil {
		return 0, err
	}
	return d.handle.ReadWordData(ctx, byte(regReadingBase+index))
}

// rawToVolts extracts the left-justified 12-bit conversion (the low nibble
// is padding) and applies the reference step and the channel's scale.
func (d *ADC128D818) rawToVolts(raw uint16, index int) float64 {
	value := (raw >> 4) & 0x0FFF
	return float64(value) * d.scales[index] * lsbVolts
}

// ReadChannel reads one channel, triggering a one-shot conversion first when
// the converter is not free-running.
func (d *ADC128D818) ReadChannel(ctx context.Context, index int) (ChannelReading, error) {
	if index < 0 || index > 7 {
		return ChannelReading{}, errors.Wrapf(devices.ErrInvalidArgument,
			"channel index %d must be within [0..7]", index)
	}
	if !d.cfg.Continuous {
		if err := d.TriggerOneShot(ctx); err != nil {
			return ChannelReading{}, err
		}
	}
	if err := d.waitUntilReady(ctx); err != nil {
		return ChannelReading{}, err
	}
	raw, err := d.ReadChannelRaw(ctx, index)
	if err != nil {
		return ChannelReading{}, err
	}
	volts := d.rawToVolts(raw, index)
	d.logger.Debugf("channel %d: %9.4f V (raw 0x%04X)", index, volts, raw)
	return ChannelReading{Raw: raw, Volts: volts}, nil
}

// ReadAll reads every channel selected by activeMask (bit i for channel i)
// and returns a flat map of ch<i> voltages and raw_ch<i> register values.
func (d *ADC128D818) ReadAll(ctx context.Context, activeMask byte) (map[string]interface{}, error) {
	if !d.cfg.Continuous {
		if err := d.TriggerOneShot(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.waitUntilReady(ctx); err != nil {
		return nil, err
	}
	readings := map[string]interface{}{}
	for ch := 0; ch < 8; ch++ {
		if (activeMask>>ch)&0x01 == 0 {
			continue
		}
		raw, err := d.ReadChannelRaw(ctx, ch)
		if err != nil {
			return nil, err
		}
		volts := d.rawToVolts(raw, ch)
		readings[fmt.Sprintf("ch%d", ch)] = volts
		readings[fmt.Sprintf("raw_ch%d", ch)] = raw
		d.logger.Debugf("channel %d: %9.4f V (raw 0x%04X)", ch, volts, raw)
	}
	return readings, nil
}

// Readings reads all eight channels; this is the surface the aggregator
// consumes.
func (d *ADC128D818) Readings(ctx context.Context) (map[string]interface{}, error) {
	return d.ReadAll(ctx, 0xFF)
}

// Close releases the bus handle.
func (d *ADC128D818) Close() error {
	return d.handle.Close()
}

// dumpRegisters logs the device's visible state after bring-up. Reading
// INT_STATUS here also clears any interrupt left over from configuration.
func (d *ADC128D818) dumpRegisters(ctx context.Context) {
	for _, reg := range []struct {
		name string
		addr byte
	}{
		{"config", regConfig},
		{"int_status", regIntStatus},
		{"int_mask", regIntMask},
		{"conv_rate", regConvRate},
		{"ch_disable", regChanDisable},
		{"deep_shutdown", regDeepShutdown},
		{"adv_config", regAdvConfig},
		{"busy_status", regBusyStatus},
	} {
		value, err := d.handle.ReadByteData(ctx, reg.addr)
		if err != nil {
			d.logger.Debugf("configure: %-13s: unreadable: %s", reg.name, err)
			continue
		}
		d.logger.Debugf("configure: %-13s: 0b%08b", reg.name, value)
	}
}
