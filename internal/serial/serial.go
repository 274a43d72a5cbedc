// Package serial provides raw serial port access for inverter communication.
//
// The PI18 protocol runs over a USB-to-serial adapter at 2400 baud, 8 data
// bits, no parity, 1 stop bit. Ports are opened in raw mode so protocol
// framing bytes pass through untranslated.
package serial

import (
	"io"
	"time"
)

// Config holds serial port configuration.
type Config struct {
	Name        string        // Device path (e.g., /dev/ttyUSB0)
	Baud        int           // Baud rate
	ReadTimeout time.Duration // Read bound; callers enforce it via SetReadDeadline
	Size        byte          // Data bits (default 8)
	Parity      Parity        // Parity mode
	StopBits    StopBits      // Stop bits
}

// DefaultConfig returns the standard port settings for PI18 inverters:
// 2400 8N1 with the given read timeout.
func DefaultConfig(name string, baud int, readTimeout time.Duration) *Config {
	if baud <= 0 {
		baud = 2400
	}
	return &Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      ParityNone,
		StopBits:    Stop1,
	}
}

// Parity represents parity mode.
type Parity byte

const (
	ParityNone  Parity = 'N'
	ParityOdd   Parity = 'O'
	ParityEven  Parity = 'E'
	ParityMark  Parity = 'M'
	ParitySpace Parity = 'S'
)

// StopBits represents stop bits configuration.
type StopBits byte

const (
	Stop1     StopBits = 1
	Stop1Half StopBits = 15
	Stop2     StopBits = 2
)

// Port represents an open serial port.
type Port interface {
	io.ReadWriteCloser

	// SetReadDeadline bounds a blocking Read. A zero time clears the deadline.
	SetReadDeadline(t time.Time) error

	// Flush discards unread input and unsent output. Called before each
	// request so a stale partial response cannot corrupt framing.
	Flush() error
}

// OpenPort opens a serial port with the specified configuration.
func OpenPort(c *Config) (Port, error) {
	return openPort(c)
}
