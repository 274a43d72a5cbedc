package pi18

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/serial"
)

// Config holds transport settings for a PI18 client.
type Config struct {
	// Port is the serial device path (e.g., /dev/ttyUSB0).
	Port string

	// Baud is the line speed. PI18 inverters ship at 2400.
	Baud int

	// ReadTimeout bounds each response read. Zero means 5 seconds.
	ReadTimeout time.Duration
}

// defaultReadTimeout applies when Config.ReadTimeout is zero. A full
// PIRI response at 2400 baud takes around half a second on the wire;
// the inverter firmware can add a multi-second think time under load.
const defaultReadTimeout = 5 * time.Second

// maxResponseSize bounds a single response read. The longest PI18
// response (PIRI) is under 120 bytes.
const maxResponseSize = 256

// Connector is the request/response surface the typed Device layer
// needs. Tests substitute a fake; production code uses *Client.
type Connector interface {
	// Query sends a ^P frame and returns the data payload.
	Query(ctx context.Context, cmd string) (string, error)

	// Set sends a ^S frame and returns nil if the inverter acked it.
	Set(ctx context.Context, cmd string) error

	// Close releases the underlying port.
	Close() error
}

// Stats tracks transport-level counters.
// All fields are cumulative since Connect.
type Stats struct {
	Requests  uint64
	Errors    uint64
	Timeouts  uint64
	CRCErrors uint64
	Reopens   uint64
}

// Client is a PI18 transport over a serial port.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Requests are serialized
//     on the port; a poll in flight delays a setting and vice versa.
type Client struct {
	cfg Config

	mu   sync.Mutex // serializes port access
	port serial.Port

	closed    atomic.Bool
	closeOnce sync.Once

	requests  atomic.Uint64
	errorsN   atomic.Uint64
	timeouts  atomic.Uint64
	crcErrors atomic.Uint64
	reopens   atomic.Uint64
}

// Connect opens the serial port and returns a ready client.
//
// Parameters:
//   - cfg: Transport settings; Port is required
//
// Returns:
//   - *Client: Connected client
//   - error: If the port cannot be opened or configured
func Connect(cfg Config) (*Client, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("pi18: port is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	port, err := serial.OpenPort(serial.DefaultConfig(cfg.Port, cfg.Baud, cfg.ReadTimeout))
	if err != nil {
		return nil, fmt.Errorf("pi18: opening %s: %w", cfg.Port, err)
	}

	return &Client{cfg: cfg, port: port}, nil
}

// Query sends a query command and returns the response payload.
//
// Parameters:
//   - ctx: Context for cancellation; its deadline tightens the read
//     timeout when earlier than the configured one
//   - cmd: Command mnemonic (e.g., CmdGeneralStatus)
//
// Returns:
//   - string: Comma-separated response fields
//   - error: ErrTimeout, ErrCRCMismatch, ErrMalformedResponse, or a
//     port error
func (c *Client) Query(ctx context.Context, cmd string) (string, error) {
	resp, err := c.roundTrip(ctx, EncodeQuery(cmd))
	if err != nil {
		return "", fmt.Errorf("query %s: %w", cmd, err)
	}
	if resp.Kind != ResponseData {
		return "", fmt.Errorf("query %s: %w: expected data frame", cmd, ErrMalformedResponse)
	}
	return resp.Payload, nil
}

// Set sends a setting command and verifies the acknowledgement.
//
// Returns:
//   - error: ErrCommandRejected if the inverter answered ^0, transport
//     errors otherwise
func (c *Client) Set(ctx context.Context, cmd string) error {
	resp, err := c.roundTrip(ctx, EncodeSetting(cmd))
	if err != nil {
		return fmt.Errorf("set %s: %w", cmd, err)
	}
	switch resp.Kind {
	case ResponseAck:
		return nil
	case ResponseNak:
		return fmt.Errorf("set %s: %w", cmd, ErrCommandRejected)
	default:
		return fmt.Errorf("set %s: %w: expected ack frame", cmd, ErrMalformedResponse)
	}
}

// roundTrip writes one frame and reads one CR-terminated response.
func (c *Client) roundTrip(ctx context.Context, frame []byte) (Response, error) {
	if c.closed.Load() {
		return Response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return Response{}, ErrNotConnected
	}

	c.requests.Add(1)

	// Drop any stale partial response before transmitting
	if err := c.port.Flush(); err != nil {
		c.errorsN.Add(1)
		return Response{}, fmt.Errorf("flushing port: %w", err)
	}

	if _, err := c.port.Write(frame); err != nil {
		c.errorsN.Add(1)
		return Response{}, fmt.Errorf("writing frame: %w", err)
	}

	raw, err := c.readFrame(ctx)
	if err != nil {
		c.errorsN.Add(1)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.timeouts.Add(1)
			return Response{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Response{}, err
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		c.errorsN.Add(1)
		if errors.Is(err, ErrCRCMismatch) {
			c.crcErrors.Add(1)
		}
		return Response{}, err
	}
	return resp, nil
}

// readFrame accumulates bytes until the CR terminator or deadline.
// Caller holds c.mu.
func (c *Client) readFrame(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.port.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	buf := make([]byte, 0, 128)
	chunk := make([]byte, 64)
	for {
		n, err := c.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if buf[len(buf)-1] == frameEnd {
				return buf, nil
			}
			if len(buf) > maxResponseSize {
				return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedResponse, maxResponseSize)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
	}
}

// Reopen closes and reopens the serial port. Used by the poll loop
// after repeated failures; USB adapters occasionally wedge and recover
// only on reopen.
func (c *Client) Reopen() error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		c.port.Close() //nolint:errcheck // Best effort before reopen
		c.port = nil
	}

	port, err := serial.OpenPort(serial.DefaultConfig(c.cfg.Port, c.cfg.Baud, c.cfg.ReadTimeout))
	if err != nil {
		return fmt.Errorf("pi18: reopening %s: %w", c.cfg.Port, err)
	}
	c.port = port
	c.reopens.Add(1)
	return nil
}

// HealthCheck verifies the inverter is answering by issuing a MOD query.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if the inverter responded with a parseable mode
func (c *Client) HealthCheck(ctx context.Context) error {
	payload, err := c.Query(ctx, CmdWorkingMode)
	if err != nil {
		return fmt.Errorf("pi18 health check failed: %w", err)
	}
	if _, err := ParseWorkingMode(payload); err != nil {
		return fmt.Errorf("pi18 health check failed: %w", err)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (c *Client) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Stats returns cumulative transport counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Errors:    c.errorsN.Load(),
		Timeouts:  c.timeouts.Load(),
		CRCErrors: c.crcErrors.Load(),
		Reopens:   c.reopens.Load(),
	}
}

// Close releases the serial port. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.port != nil {
			err = c.port.Close()
			c.port = nil
		}
	})
	return err
}
