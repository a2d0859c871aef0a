package buses_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/testutils/inject"
)

func TestConfigValidate(t *testing.T) {
	cfg := buses.Config{Bus: 1, Address: 0x40}
	test.That(t, cfg.Validate("i2c"), test.ShouldBeNil)

	cfg = buses.Config{Bus: -1, Address: 0x40}
	err := cfg.Validate("i2c")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus")

	cfg = buses.Config{Bus: 1}
	err = cfg.Validate("i2c")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"address" is required`)

	cfg = buses.Config{Bus: 1, Address: -1}
	err = cfg.Validate("i2c")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "7-bit range")

	cfg = buses.Config{Bus: 1, Address: 0x80}
	err = cfg.Validate("i2c")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "0x80")

	cfg = buses.Config{Bus: 1, Address: 0x40, FreqHz: -1}
	err = cfg.Validate("i2c")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "freq_hz")
}

func TestI2CRegister(t *testing.T) {
	var ops []string
	handle := &inject.I2CHandle{}
	handle.ReadByteDataFunc = func(ctx context.Context, register byte) (byte, error) {
		ops = append(ops, fmt.Sprintf("r8[%02X]", register))
		return 0xAB, nil
	}
	handle.WriteByteDataFunc = func(ctx context.Context, register, data byte) error {
		ops = append(ops, fmt.Sprintf("w8[%02X]=%02X", register, data))
		return nil
	}
	handle.ReadWordDataFunc = func(ctx context.Context, register byte) (uint16, error) {
		ops = append(ops, fmt.Sprintf("r16[%02X]", register))
		return 0xBEEF, nil
	}
	handle.WriteWordDataFunc = func(ctx context.Context, register byte, data uint16) error {
		ops = append(ops, fmt.Sprintf("w16[%02X]=%04X", register, data))
		return nil
	}

	reg := &buses.I2CRegister{Handle: handle, Register: 0x0B}
	ctx := context.Background()

	b, err := reg.ReadByteData(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldEqual, byte(0xAB))
	test.That(t, reg.WriteByteData(ctx, 0x5A), test.ShouldBeNil)

	w, err := reg.ReadWordData(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldEqual, uint16(0xBEEF))
	test.That(t, reg.WriteWordData(ctx, 0x0327), test.ShouldBeNil)

	test.That(t, ops, test.ShouldResemble, []string{
		"r8[0B]", "w8[0B]=5A", "r16[0B]", "w16[0B]=0327",
	})
}

func TestScan(t *testing.T) {
	logger := golog.NewTestLogger(t)
	present := map[byte]bool{0x1D: true, 0x40: true, 0x68: true, 0x76: true}

	closed := 0
	bus := &inject.I2C{}
	bus.OpenHandleFunc = func(addr byte) (buses.I2CHandle, error) {
		h := &inject.I2CHandle{}
		h.ReadFunc = func(ctx context.Context, count int) ([]byte, error) {
			if present[addr] {
				return make([]byte, count), nil
			}
			return nil, errors.New("remote I/O error")
		}
		h.CloseFunc = func() error {
			closed++
			return nil
		}
		return h, nil
	}

	found, err := buses.Scan(context.Background(), bus, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldResemble, []byte{0x1D, 0x40, 0x68, 0x76})
	// every probed address gets its handle closed again
	test.That(t, closed, test.ShouldEqual, 0x77-0x03+1)
}

func TestScanSkipsOpenFailures(t *testing.T) {
	logger := golog.NewTestLogger(t)
	bus := &inject.I2C{}
	bus.OpenHandleFunc = func(addr byte) (buses.I2CHandle, error) {
		return nil, errors.New("address in use")
	}

	found, err := buses.Scan(context.Background(), bus, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeEmpty)
}

func TestScanCanceled(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bus := &inject.I2C{}
	bus.OpenHandleFunc = func(addr byte) (buses.I2CHandle, error) {
		t.Fatal("no address may be probed after cancellation")
		return nil, nil
	}

	found, err := buses.Scan(ctx, bus, logger)
	test.That(t, err, test.ShouldBeError, context.Canceled)
	test.That(t, found, test.ShouldBeEmpty)
}
