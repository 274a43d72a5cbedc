package device

import "errors"

// Sentinel errors for device persistence.
// Use errors.Is() to check for specific conditions.
var (
	// ErrDeviceNotFound indicates the requested tty has no registry row.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidTTY indicates an empty or malformed tty identifier.
	ErrInvalidTTY = errors.New("invalid tty identifier")
)
