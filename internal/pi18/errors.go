package pi18

import "errors"

// Sentinel errors for PI18 operations.
// Use errors.Is() to check for specific conditions.
var (
	// ErrNotConnected indicates the serial port is not open.
	ErrNotConnected = errors.New("pi18: not connected")

	// ErrTimeout indicates the inverter did not answer within the
	// read deadline.
	ErrTimeout = errors.New("pi18: response timeout")

	// ErrCRCMismatch indicates a response failed CRC verification.
	ErrCRCMismatch = errors.New("pi18: crc mismatch")

	// ErrMalformedResponse indicates a response that does not follow
	// the ^Dnnn framing.
	ErrMalformedResponse = errors.New("pi18: malformed response")

	// ErrCommandRejected indicates the inverter answered a setting
	// command with ^0.
	ErrCommandRejected = errors.New("pi18: command rejected")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("pi18: client closed")
)
