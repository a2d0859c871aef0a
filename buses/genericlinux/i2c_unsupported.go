//go:build !linux

package genericlinux

import (
	"github.com/pkg/errors"

	"github.com/dsmhw/powermon/buses"
)

// NewBus returns a bus whose handles always fail to open; kernel i2c-dev
// access only exists on Linux.
func NewBus(number int) buses.I2C {
	return &unsupportedBus{number: number}
}

type unsupportedBus struct {
	number int
}

func (bus *unsupportedBus) OpenHandle(addr byte) (buses.I2CHandle, error) {
	return nil, errors.Errorf("cannot open /dev/i2c-%d: kernel i2c-dev buses require linux", bus.number)
}
