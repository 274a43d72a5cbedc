// Package api provides the driver's local HTTP status endpoint.
//
// It exposes the inverter's identity, the latest poll snapshot and
// Prometheus metrics for scraping. The endpoint binds to localhost by
// default; it is a diagnostic surface, not a control plane — control
// flows over MQTT.
//
// The server follows the same lifecycle pattern as the other
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from
// multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/bridges/mppsolar"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/device"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/config"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/logging"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/pi18"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DriverStatus is what the endpoint knows about the running driver.
// Satisfied by *mppsolar.Bridge.
type DriverStatus interface {
	Identity() pi18.Identity
	PollStats() (polls, failures uint64)
	Latest() (mppsolar.TelemetrySnapshot, bool)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.HTTPConfig
	Logger *logging.Logger

	// TTY identifies the port this driver instance serves.
	TTY string

	// Driver provides identity and telemetry. Required.
	Driver DriverStatus

	// Registry is optional; without it /device omits the stored
	// record.
	Registry device.Repository

	Version string
}

// Server is the local HTTP status server.
//
// It manages the HTTP listener, routes and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg       config.HTTPConfig
	logger    *logging.Logger
	tty       string
	driver    DriverStatus
	registry  device.Repository
	version   string
	startTime time.Time
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, driver)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Driver == nil {
		return nil, fmt.Errorf("driver status source is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		tty:       deps.TTY,
		driver:    deps.Driver,
		registry:  deps.Registry,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router, registers the metrics collector and launches
// the listener in a background goroutine. The server can be stopped
// with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.ReadTimeout) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.IdleTimeout) * time.Second,
	}

	go func() {
		s.logger.Info("status endpoint listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status endpoint error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("status endpoint shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down status endpoint: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("status endpoint not started")
	}

	return nil
}
