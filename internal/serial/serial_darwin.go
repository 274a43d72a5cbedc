//go:build darwin

package serial

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"
)

// termios structure for Darwin
type termios struct {
	Iflag  uint64
	Oflag  uint64
	Cflag  uint64
	Lflag  uint64
	Cc     [20]uint8
	Ispeed uint64
	Ospeed uint64
}

// ioctl constants for Darwin
const (
	tcgets    = 0x40487413 // TIOCGETA
	tcsetsw   = 0x80487415 // TIOCSETAW
	tiocflush = 0x80047410 // TIOCFLUSH
)

// c_cflag bits (Darwin uses different values)
const (
	csize  = 0x300
	cs5    = 0x0
	cs6    = 0x100
	cs7    = 0x200
	cs8    = 0x300
	cstopb = 0x400
	cread  = 0x800
	parenb = 0x1000
	parodd = 0x2000
	clocal = 0x8000
)

// c_lflag bits
const (
	isig   = 0x80
	icanon = 0x100
	echo   = 0x8
	iexten = 0x400
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
	ixon   = 0x200
	ixoff  = 0x400
	ixany  = 0x800
)

// c_oflag bits
const (
	opost = 0x1
)

// Baud rate values for Darwin (actual speeds, not encoded)
var baudRates = map[int]uint64{
	1200:   1200,
	2400:   2400,
	4800:   4800,
	9600:   9600,
	19200:  19200,
	38400:  38400,
	57600:  57600,
	115200: 115200,
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
	t.Iflag &^= ignbrk | brkint | parmrk | istrip | inlcr | igncr | icrnl | ixon | ixoff | ixany
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
	t.Cc[16] = 1 // VMIN
	t.Cc[17] = 0 // VTIME

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
	// FREAD|FWRITE: discard both queues
	arg := 3
	var errno syscall.Errno
	if err := p.raw.Control(func(fd uintptr) {
		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, fd, tiocflush, uintptr(unsafe.Pointer(&arg)))
	}); err != nil {
		return err
	}
	if errno != 0 {
		return fmt.Errorf("flush: %v", errno)
	}
	return nil
}
