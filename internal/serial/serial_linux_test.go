//go:build linux

package serial

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"
	"unsafe"
)

// pty ioctls, not exported by package syscall.
const (
	tiocgptn   = 0x80045430 // TIOCGPTN
	tiocsptlck = 0x40045431 // TIOCSPTLCK
)

// openPTY allocates a pseudo-terminal pair and returns the master side
// and the slave device path. The slave stands in for a silent inverter.
func openPTY(t *testing.T) (*os.File, string) {
	t.Helper()

	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("no pty support: %v", err)
	}
	t.Cleanup(func() { master.Close() })

	var n uint32
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, master.Fd(), tiocgptn, uintptr(unsafe.Pointer(&n))); errno != 0 {
		t.Fatalf("TIOCGPTN: %v", errno)
	}
	unlock := 0
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, master.Fd(), tiocsptlck, uintptr(unsafe.Pointer(&unlock))); errno != 0 {
		t.Fatalf("TIOCSPTLCK: %v", errno)
	}

	return master, fmt.Sprintf("/dev/pts/%d", n)
}

// ============================================================
// Deadline behaviour
// ============================================================

// A port with nothing to send must not wedge a read past its deadline.
// The attached-but-silent inverter is the failure mode the poll loop's
// failure counting depends on.
func TestReadDeadlineInterruptsSilentPort(t *testing.T) {
	_, slave := openPTY(t)

	p, err := OpenPort(DefaultConfig(slave, 2400, time.Second))
	if err != nil {
		t.Fatalf("OpenPort() error = %v", err)
	}
	defer p.Close()

	if err := p.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}

	start := time.Now()
	buf := make([]byte, 1)
	_, err = p.Read(buf)
	elapsed := time.Since(start)

	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read() error = %v, want deadline exceeded", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Read() blocked %v past a 200ms deadline", elapsed)
	}
}

func TestReadReceivesDataBeforeDeadline(t *testing.T) {
	master, slave := openPTY(t)

	p, err := OpenPort(DefaultConfig(slave, 2400, time.Second))
	if err != nil {
		t.Fatalf("OpenPort() error = %v", err)
	}
	defer p.Close()

	if err := p.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}

	want := []byte("^D")
	if _, err := master.Write(want); err != nil {
		t.Fatalf("master write error = %v", err)
	}

	got := make([]byte, 0, len(want))
	buf := make([]byte, 16)
	for len(got) < len(want) {
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v after %d bytes", err, len(got))
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != string(want) {
		t.Errorf("Read() = %q, want %q", got, want)
	}
}

// Close must return even while a Read is parked waiting for data,
// otherwise shutdown deadlocks behind a dead inverter.
func TestCloseUnblocksPendingRead(t *testing.T) {
	_, slave := openPTY(t)

	p, err := OpenPort(DefaultConfig(slave, 2400, time.Second))
	if err != nil {
		t.Fatalf("OpenPort() error = %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := p.Read(buf)
		readDone <- err
	}()

	// Give the reader time to park.
	time.Sleep(50 * time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- p.Close() }()

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return while a Read was pending")
	}

	select {
	case err := <-readDone:
		if err == nil {
			t.Error("Read() returned nil error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read() did not return after Close")
	}
}

func TestFlushOnOpenPort(t *testing.T) {
	master, slave := openPTY(t)

	p, err := OpenPort(DefaultConfig(slave, 2400, time.Second))
	if err != nil {
		t.Fatalf("OpenPort() error = %v", err)
	}
	defer p.Close()

	// Stale bytes from an aborted exchange must be discardable.
	if _, err := master.Write([]byte("stale")); err != nil {
		t.Fatalf("master write error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := p.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if err := p.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 16)
	n, err := p.Read(buf)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read() after Flush = %q, %v; want deadline exceeded", buf[:n], err)
	}
}
