//go:build linux

// Package genericlinux is for generic Linux hosts, where an I2C bus is a
// numbered kernel i2c-dev device.
package genericlinux

import (
	"context"

	i2c "github.com/d2r2/go-i2c"
	d2r2logger "github.com/d2r2/go-logger"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/dsmhw/powermon/buses"
)

func init() {
	// the d2r2 library logs every transfer through its own package logger;
	// keep it quiet unless someone turns it back up
	goutils.UncheckedError(d2r2logger.ChangePackageLogLevel("i2c", d2r2logger.InfoLevel))
}

// NewBus returns a buses.I2C backed by /dev/i2c-<number>. Opening is lazy:
// the device node is not touched until the first OpenHandle.
func NewBus(number int) buses.I2C {
	return &i2cBus{number: number}
}

type i2cBus struct {
	number int
}

func (bus *i2cBus) OpenHandle(addr byte) (buses.I2CHandle, error) {
	handle, err := i2c.NewI2C(addr, bus.number)
	if err != nil {
		return nil, err
	}
	return &kernelHandle{dev: handle}, nil
}

// kernelHandle adapts the d2r2 connection to the buses.I2CHandle contract.
// The word helpers below are big-endian, matching the contract.
type kernelHandle struct {
	dev *i2c.I2C
}

func (h *kernelHandle) Write(ctx context.Context, tx []byte) error {
	n, err := h.dev.WriteBytes(tx)
	if err != nil {
		return err
	}
	if n != len(tx) {
		return errors.Errorf("wrote %d of %d bytes to address 0x%02X on bus %d",
			n, len(tx), h.dev.GetAddr(), h.dev.GetBus())
	}
	return nil
}

func (h *kernelHandle) Read(ctx context.Context, count int) ([]byte, error) {
	buffer := make([]byte, count)
	n, err := h.dev.ReadBytes(buffer)
	if err != nil {
		return nil, err
	}
	if n != count {
		return nil, errors.Errorf("read %d of %d bytes from address 0x%02X on bus %d",
			n, count, h.dev.GetAddr(), h.dev.GetBus())
	}
	return buffer, nil
}

func (h *kernelHandle) ReadByteData(ctx context.Context, register byte) (byte, error) {
	return h.dev.ReadRegU8(register)
}

func (h *kernelHandle) WriteByteData(ctx context.Context, register, data byte) error {
	return h.dev.WriteRegU8(register, data)
}

func (h *kernelHandle) ReadWordData(ctx context.Context, register byte) (uint16, error) {
	return h.dev.ReadRegU16BE(register)
}

func (h *kernelHandle) WriteWordData(ctx context.Context, register byte, data uint16) error {
	return h.dev.WriteRegU16BE(register, data)
}

func (h *kernelHandle) ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
	results, n, err := h.dev.ReadRegBytes(register, int(numBytes))
	if err != nil {
		return nil, err
	}
	if n != int(numBytes) {
		return nil, errors.Errorf("read %d of %d bytes from register 0x%02X, address 0x%02X on bus %d",
			n, numBytes, register, h.dev.GetAddr(), h.dev.GetBus())
	}
	return results, nil
}

func (h *kernelHandle) WriteBlockData(ctx context.Context, register byte, data []byte) error {
	// the library has no dedicated block-write; register address followed by
	// the payload in one transfer is the same thing on register devices
	tx := make([]byte, len(data)+1)
	tx[0] = register
	copy(tx[1:], data)
	return h.Write(ctx, tx)
}

func (h *kernelHandle) Close() error {
	return h.dev.Close()
}
