package bmp280

import (
	"context"
	"fmt"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices"
	"github.com/dsmhw/powermon/testutils/inject"
)

// The worked example from the vendor's compensation chapter: this calibration
// plus these raw words must come out at 25.08 degC and 100653.25390625 Pa
// (25767233 in Q24.8).
var (
	vendorCalib = Calibration{
		T1: 27504, T2: 26435, T3: -1000,
		P1: 36477, P2: -10685, P3: 3024, P4: 2855, P5: 140,
		P6: -7, P7: 15500, P8: -14600, P9: 6000,
	}
	vendorCalibBlock = []byte{
		0x70, 0x6B, 0x43, 0x67, 0x18, 0xFC, 0x7D, 0x8E,
		0x43, 0xD6, 0xD0, 0x0B, 0x27, 0x0B, 0x8C, 0x00,
		0xF9, 0xFF, 0x8C, 0x3C, 0xF8, 0xC6, 0x70, 0x17,
	}
	vendorRawTemp     = int32(519888)
	vendorRawPress    = int32(415148)
	vendorTemperature = 25.08
	vendorTFine       = int32(128422)
	vendorPressure    = 100653.25390625
)

// vendorBurst is the 6-byte measurement register image encoding the vendor
// raw words (pressure first, 20 bits left-justified in 3 bytes each).
var vendorBurst = []byte{0x65, 0x5A, 0xC0, 0x7E, 0xED, 0x00}

// scriptedBMP stands in for the real sensor: a byte register map plus block
// regions for the calibration NVM and the measurement burst.
type scriptedBMP struct {
	regs   map[byte]byte
	calib  []byte
	burst  []byte
	status byte
	ops    []string
}

func newScriptedBMP() *scriptedBMP {
	return &scriptedBMP{
		regs:  map[byte]byte{},
		calib: vendorCalibBlock,
		burst: vendorBurst,
	}
}

func (s *scriptedBMP) handle() *inject.I2CHandle {
	handle := &inject.I2CHandle{}
	handle.ReadByteDataFunc = func(ctx context.Context, register byte) (byte, error) {
		s.ops = append(s.ops, fmt.Sprintf("r8[%02X]", register))
		if register == regStatus {
			return s.status, nil
		}
		return s.regs[register], nil
	}
	handle.WriteByteDataFunc = func(ctx context.Context, register, data byte) error {
		s.ops = append(s.ops, fmt.Sprintf("w8[%02X]=%02X", register, data))
		s.regs[register] = data
		return nil
	}
	handle.ReadBlockDataFunc = func(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
		s.ops = append(s.ops, fmt.Sprintf("rb[%02X]x%d", register, numBytes))
		switch register {
		case regCalibStart:
			return s.calib, nil
		case regPressMSB:
			return s.burst, nil
		}
		return make([]byte, numBytes), nil
	}
	handle.CloseFunc = func() error {
		return nil
	}
	return handle
}

func newTestBMP(t *testing.T, s *scriptedBMP, cfg Config) *BMP280 {
	t.Helper()
	d := &BMP280{handle: s.handle(), logger: golog.NewTestLogger(t), clock: clock.New()}
	test.That(t, d.setup(context.Background(), cfg), test.ShouldBeNil)
	return d
}

func TestParseCalibration(t *testing.T) {
	calib, err := parseCalibration(vendorCalibBlock)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calib, test.ShouldResemble, vendorCalib)

	for _, n := range []int{0, 23, 25, 26} {
		_, err := parseCalibration(make([]byte, n))
		test.That(t, errors.Is(err, devices.ErrInvalidArgument), test.ShouldBeTrue)
	}
}

func TestCompensationVector(t *testing.T) {
	tempC, tFine := vendorCalib.compensateTemperature(vendorRawTemp)
	test.That(t, tempC, test.ShouldAlmostEqual, vendorTemperature)
	test.That(t, tFine, test.ShouldEqual, vendorTFine)

	pressPa := vendorCalib.compensatePressure(vendorRawPress, tFine)
	test.That(t, pressPa, test.ShouldEqual, vendorPressure)
}

func TestCompensationZeroDenominator(t *testing.T) {
	// P1 = 0 zeroes the polynomial's divisor; this must report "no valid
	// pressure" instead of dividing
	calib := vendorCalib
	calib.P1 = 0
	test.That(t, calib.compensatePressure(vendorRawPress, vendorTFine), test.ShouldEqual, 0.0)

	// all-zero calibration, as read from a missing sensor
	test.That(t, Calibration{}.compensatePressure(vendorRawPress, 0), test.ShouldEqual, 0.0)
}

func TestReadAllVendorVector(t *testing.T) {
	s := newScriptedBMP()
	d := newTestBMP(t, s, Config{})

	r, err := d.ReadAll(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.TemperatureC, test.ShouldAlmostEqual, vendorTemperature)
	test.That(t, r.PressurePa, test.ShouldEqual, vendorPressure)
	test.That(t, r.RawTemperature, test.ShouldEqual, vendorRawTemp)
	test.That(t, r.RawPressure, test.ShouldEqual, vendorRawPress)
}

func TestTFineFollowsEachSample(t *testing.T) {
	s := newScriptedBMP()
	d := newTestBMP(t, s, Config{})

	first, err := d.ReadAll(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.PressurePa, test.ShouldEqual, vendorPressure)

	// same raw pressure word, much colder sample: the reported pressure
	// must move with the fresh t_fine, not reuse the previous one
	s.burst = []byte{0x65, 0x5A, 0xC0, 0x61, 0xA8, 0x00}
	second, err := d.ReadAll(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.RawPressure, test.ShouldEqual, vendorRawPress)
	test.That(t, second.TemperatureC, test.ShouldAlmostEqual, -12.64)
	test.That(t, second.PressurePa, test.ShouldEqual, 94916.30078125)
}

func TestReadingsMap(t *testing.T) {
	s := newScriptedBMP()
	d := newTestBMP(t, s, Config{})

	readings, err := d.Readings(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readings["temperature_c"], test.ShouldAlmostEqual, vendorTemperature)
	test.That(t, readings["temperature_f"], test.ShouldAlmostEqual, vendorTemperature*9.0/5.0+32.0)
	test.That(t, readings["temperature_raw"], test.ShouldEqual, vendorRawTemp)
	test.That(t, readings["pressure_pa"], test.ShouldEqual, vendorPressure)
	test.That(t, readings["pressure_mmhg"], test.ShouldEqual, 754)
	test.That(t, readings["pressure_raw"], test.ShouldEqual, vendorRawPress)
}

func TestConfigureWritesConfigBeforeCtrlMeas(t *testing.T) {
	s := newScriptedBMP()
	newTestBMP(t, s, Config{})

	var writes []string
	for _, op := range s.ops {
		if op[0] == 'w' {
			writes = append(writes, op)
		}
	}
	// filter knobs first: normal mode ignores config register writes
	test.That(t, writes, test.ShouldResemble, []string{"w8[F5]=00", "w8[F4]=27"})

	s = newScriptedBMP()
	newTestBMP(t, s, Config{CtrlMeas: 0x5F, Filter: 0x04})
	test.That(t, s.regs[regCtrlMeas], test.ShouldEqual, byte(0x5F))
	test.That(t, s.regs[regConfig], test.ShouldEqual, byte(0x04))
}

func TestReadyWait(t *testing.T) {
	s := newScriptedBMP()
	d := newTestBMP(t, s, Config{})

	// a measuring status bit must hold the read back until it clears;
	// never-ready times out with the timeout kind
	s.status = statusMeasuring
	clk := clock.NewMock()
	d.clock = clk

	errCh := make(chan error)
	go func() {
		_, err := d.ReadAll(context.Background())
		errCh <- err
	}()

	var err error
waiting:
	for {
		select {
		case err = <-errCh:
			break waiting
		default:
			clk.Add(readyPollInterval)
		}
	}
	test.That(t, errors.Is(err, devices.ErrTimeout), test.ShouldBeTrue)
}

func TestReset(t *testing.T) {
	s := newScriptedBMP()
	d := newTestBMP(t, s, Config{})

	test.That(t, d.Reset(context.Background()), test.ShouldBeNil)
	test.That(t, s.regs[regReset], test.ShouldEqual, byte(resetMagic))
}

func TestConnected(t *testing.T) {
	s := newScriptedBMP()
	d := newTestBMP(t, s, Config{})

	s.regs[regChipID] = chipIDBMP280
	test.That(t, d.Connected(context.Background()), test.ShouldBeNil)

	s.regs[regChipID] = 0x60
	err := d.Connected(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "0x60")
}

func TestNew(t *testing.T) {
	s := newScriptedBMP()
	bus := &inject.I2C{}
	var openedAddr byte
	bus.OpenHandleFunc = func(addr byte) (buses.I2CHandle, error) {
		openedAddr = addr
		return s.handle(), nil
	}

	d, err := New(context.Background(), bus, buses.Config{Bus: 1, Address: 0x76},
		Config{}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, openedAddr, test.ShouldEqual, byte(0x76))
	test.That(t, d.calib, test.ShouldResemble, vendorCalib)
	test.That(t, d.Close(), test.ShouldBeNil)

	_, err = New(context.Background(), bus, buses.Config{Bus: 1, Address: 0x80},
		Config{}, golog.NewTestLogger(t))
	test.That(t, errors.Is(err, devices.ErrInvalidArgument), test.ShouldBeTrue)

	// a short calibration read must fail construction before any configure
	s.calib = vendorCalibBlock[:20]
	_, err = New(context.Background(), bus, buses.Config{Bus: 1, Address: 0x76},
		Config{}, golog.NewTestLogger(t))
	test.That(t, errors.Is(err, devices.ErrInvalidArgument), test.ShouldBeTrue)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ReadyTimeoutMS: -1}
	err := cfg.Validate("bmp")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "ready_timeout_ms")

	cfg = Config{CtrlMeas: 0x5F, Filter: 0x10}
	test.That(t, cfg.Validate("bmp"), test.ShouldBeNil)
}
