//go:build linux

package serial

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"
)

// termios structure for Linux
type termios struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   uint8
	Cc     [19]uint8
	Ispeed uint32
	Ospeed uint32
}

// ioctl constants
const (
	tcgets  = 0x5401
	tcsetsw = 0x5403
	tcflsh  = 0x540B
)

// tcflush queue selector: flush both input and output
const tcioflush = 2

// c_cflag bits
const (
	csize  = 0x30
	cs5    = 0x0
	cs6    = 0x10
	cs7    = 0x20
	cs8    = 0x30
	cstopb = 0x40
	cread  = 0x80
	parenb = 0x100
	parodd = 0x200
	clocal = 0x800
)

// c_lflag bits
const (
	isig   = 0x1
	icanon = 0x2
	echo   = 0x8
	iexten = 0x8000
)

// c_iflag bits
const (
	ignbrk = 0x1
	brkint = 0x2
	parmrk = 0x8
	istrip = 0x20
	inlcr  = 0x40
	igncr  = 0x80
	icrnl  = 0x100
	ixon   = 0x400
)

// c_oflag bits
const (
	opost = 0x1
)

// Baud rate constants for Linux. The driver normally runs at 2400;
// the rest are here because some inverter firmwares ship at 9600.
var baudRates = map[int]uint32{
	1200:   0x9,
	2400:   0xB,
	4800:   0xC,
	9600:   0xD,
	19200:  0xE,
	38400:  0xF,
	57600:  0x1001,
	115200: 0x1002,
}

type port struct {
	file *os.File
	raw  syscall.RawConn
}

func openPort(c *Config) (Port, error) {
	file, err := os.OpenFile(c.Name, os.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Name, err)
	}

	// The descriptor must stay non-blocking and registered with the
	// runtime poller: SetReadDeadline only interrupts reads that park
	// in the poller, and Close must be able to unblock a pending Read.
	// All ioctls therefore go through the raw conn rather than Fd(),
	// which would switch the file back to blocking mode.
	raw, err := file.SyscallConn()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}

	// Get current settings
	var t termios
	if err := ioctlTermios(raw, tcgets, &t); err != nil {
		file.Close()
		return nil, fmt.Errorf("get attributes: %w", err)
	}

	// Configure raw mode
	t.Iflag &^= ignbrk | brkint | parmrk | istrip | inlcr | igncr | icrnl | ixon
	t.Oflag &^= opost
	t.Lflag &^= echo | icanon | isig | iexten
	t.Cflag &^= csize | parenb | parodd | cstopb
	t.Cflag |= cs8 | cread | clocal

	// Set data bits
	if c.Size > 0 {
		t.Cflag &^= csize
		switch c.Size {
		case 5:
			t.Cflag |= cs5
		case 6:
			t.Cflag |= cs6
		case 7:
			t.Cflag |= cs7
		case 8:
			t.Cflag |= cs8
		}
	}

	// Set parity
	switch c.Parity {
	case ParityNone:
		// Default - no change needed
	case ParityOdd:
		t.Cflag |= parenb | parodd
	case ParityEven:
		t.Cflag |= parenb
	}

	// Set stop bits
	switch c.StopBits {
	case Stop2:
		t.Cflag |= cstopb
	}

	// Set baud rate
	speed, ok := baudRates[c.Baud]
	if !ok {
		file.Close()
		return nil, fmt.Errorf("unsupported baud rate: %d", c.Baud)
	}
	t.Ispeed = speed
	t.Ospeed = speed

	// VMIN/VTIME are ignored on a non-blocking descriptor. Read
	// timeouts are enforced with SetReadDeadline instead.
	t.Cc[6] = 1 // VMIN
	t.Cc[5] = 0 // VTIME

	// Apply settings
	if err := ioctlTermios(raw, tcsetsw, &t); err != nil {
		file.Close()
		return nil, fmt.Errorf("set attributes: %w", err)
	}

	return &port{file: file, raw: raw}, nil
}

// ioctlTermios issues a termios ioctl through the raw conn so the
// descriptor stays owned by the runtime poller.
func ioctlTermios(raw syscall.RawConn, req uintptr, t *termios) error {
	var errno syscall.Errno
	if err := raw.Control(func(fd uintptr) {
		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(t)))
	}); err != nil {
		return err
	}
	if errno != 0 {
		return errno
	}
	return nil
}

func (p *port) Read(b []byte) (int, error) {
	return p.file.Read(b)
}

func (p *port) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

func (p *port) Close() error {
	return p.file.Close()
}

func (p *port) SetReadDeadline(t time.Time) error {
	return p.file.SetReadDeadline(t)
}

func (p *port) Flush() error {
	var errno syscall.Errno
	if err := p.raw.Control(func(fd uintptr) {
		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, fd, tcflsh, uintptr(tcioflush))
	}); err != nil {
		return err
	}
	if errno != 0 {
		return fmt.Errorf("flush: %v", errno)
	}
	return nil
}
