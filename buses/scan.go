package buses

import (
	"context"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"
)

// Scan range: 0x00-0x02 and 0x78-0x7F are reserved addresses (general call,
// 10-bit addressing), so sweeping them just upsets some devices.
const (
	scanFirstAddr = byte(0x03)
	scanLastAddr  = byte(0x77)
)

// Scan probes every address in the conventional 7-bit range with a one byte
// receive and returns the addresses that answered. Addresses that NACK the
// probe are skipped without comment; a cancelled context ends the sweep early.
func Scan(ctx context.Context, bus I2C, logger golog.Logger) ([]byte, error) {
	var found []byte
	for addr := scanFirstAddr; addr <= scanLastAddr; addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		handle, err := bus.OpenHandle(addr)
		if err != nil {
			// some backends reject the address at open time instead of
			// NACKing the transfer
			continue
		}
		if _, err := handle.Read(ctx, 1); err == nil {
			logger.Debugf("device answered at 0x%02X", addr)
			found = append(found, addr)
		}
		goutils.UncheckedError(handle.Close())
	}
	return found, nil
}
