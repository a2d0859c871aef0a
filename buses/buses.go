// Package buses offers the I2C transport capability every device driver in
// this module is written against, regardless of whether the bus is a kernel
// i2c-dev device or a USB bridge.
package buses

import (
	"context"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// I2C represents a single I2C bus reachable through some backend.
type I2C interface {
	// OpenHandle returns a handle interface that MUST be closed when done.
	// you cannot have 2 open for the same addr
	OpenHandle(addr byte) (I2CHandle, error)
}

// I2CHandle is similar to an io handle. It MUST be closed to release the bus.
// The word operations are big-endian on the wire, matching the register
// convention of the TI parts this module drives; neither backend swaps bytes
// behind the driver's back.
type I2CHandle interface {
	Write(ctx context.Context, tx []byte) error
	Read(ctx context.Context, count int) ([]byte, error)

	ReadByteData(ctx context.Context, register byte) (byte, error)
	WriteByteData(ctx context.Context, register, data byte) error

	ReadWordData(ctx context.Context, register byte) (uint16, error)
	WriteWordData(ctx context.Context, register byte, data uint16) error

	ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error)
	WriteBlockData(ctx context.Context, register byte, data []byte) error

	// Close closes the handle and releases the lock on the bus.
	Close() error
}

// An I2CRegister is a lightweight wrapper around a handle for a particular register.
type I2CRegister struct {
	Handle   I2CHandle
	Register byte
}

// ReadByteData reads a byte from the I2C channel register.
func (reg *I2CRegister) ReadByteData(ctx context.Context) (byte, error) {
	return reg.Handle.ReadByteData(ctx, reg.Register)
}

// WriteByteData writes a byte to the I2C channel register.
func (reg *I2CRegister) WriteByteData(ctx context.Context, data byte) error {
	return reg.Handle.WriteByteData(ctx, reg.Register, data)
}

// ReadWordData reads a big-endian word from the I2C channel register.
func (reg *I2CRegister) ReadWordData(ctx context.Context) (uint16, error) {
	return reg.Handle.ReadWordData(ctx, reg.Register)
}

// WriteWordData writes a big-endian word to the I2C channel register.
func (reg *I2CRegister) WriteWordData(ctx context.Context, data uint16) error {
	return reg.Handle.WriteWordData(ctx, reg.Register, data)
}

// Config identifies one device on one bus. Drivers take it at construction
// and own the resulting handle exclusively until closed.
type Config struct {
	Bus     int `json:"bus"`
	Address int `json:"address"`
	FreqHz  int `json:"freq_hz,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.Bus < 0 {
		return goutils.NewConfigValidationError(path, errors.New("bus must be non-negative"))
	}
	if cfg.Address == 0 {
		// 0x00 is the general call address, not a device
		return goutils.NewConfigValidationFieldRequiredError(path, "address")
	}
	if cfg.Address < 0 || cfg.Address > 0x7F {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("address 0x%X is outside the 7-bit range [0x00, 0x7F]", cfg.Address))
	}
	if cfg.FreqHz < 0 {
		return goutils.NewConfigValidationError(path, errors.New("freq_hz must be non-negative"))
	}
	return nil
}
