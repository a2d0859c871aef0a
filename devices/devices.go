// Package devices holds what the register-level drivers in this module
// share: the error kinds callers are expected to match with errors.Is.
// Transport failures are never translated into these; they pass through
// untouched so nothing about the bus state gets masked.
package devices

import "github.com/pkg/errors"

var (
	// ErrTimeout means a bounded ready/status wait expired. Drivers never
	// retry internally; a device mid-conversion can be corrupted by blind
	// retries, so the caller decides.
	ErrTimeout = errors.New("device did not become ready before the deadline")

	// ErrInvalidArgument means a caller-supplied value cannot be expressed
	// on the device. It is reported before any register write happens.
	ErrInvalidArgument = errors.New("invalid argument")
)
