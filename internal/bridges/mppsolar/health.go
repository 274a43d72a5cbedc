package mppsolar

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/mqtt"
)

// HealthStatus is the driver's self-assessed condition.
type HealthStatus string

const (
	// HealthHealthy means polls succeed and both links are up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means the driver is running but something is
	// wrong: broken serial link, broker disconnect or a failing poll
	// streak.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting is published once during startup.
	HealthStarting HealthStatus = "starting"

	// HealthStopping is published on graceful shutdown.
	HealthStopping HealthStatus = "stopping"

	// HealthOffline is the LWT value the broker publishes when the
	// driver dies without saying goodbye.
	HealthOffline HealthStatus = "offline"
)

// degradedAfterFailures is the failed-poll streak at which the driver
// reports itself degraded.
const degradedAfterFailures = 3

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals.
type HealthReporter struct {
	tty       string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	transport Transport
	bridge    pollHealth

	topics mqtt.Topics

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// pollHealth exposes the bridge's poll counters to the reporter.
type pollHealth interface {
	PollStats() (polls, failures uint64)
	consecutiveFailures() int
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// TTY identifies the inverter port in health topics.
	TTY string

	// Version is the driver software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Transport provides serial link status and counters. Optional.
	Transport Transport

	// Bridge provides poll counters. Optional.
	Bridge pollHealth
}

// NewHealthReporter creates a new health reporter.
//
// Parameters:
//   - cfg: Configuration for the health reporter
//
// Returns:
//   - *HealthReporter: Ready to start (call Start to begin reporting)
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &HealthReporter{
		tty:       cfg.TTY,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		transport: cfg.Transport,
		bridge:    cfg.Bridge,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
// Must be called after creation. Call Stop to shut down.
//
// Parameters:
//   - ctx: Context for cancellation (will stop reporting when cancelled)
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		// Final stopping status (best-effort, ignore errors)
		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
// Called during driver initialization.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "driver starting")
}

// PublishNow publishes the current health status immediately.
// Useful for forcing an update after a significant event.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// HealthLWT builds the will registration for a device: the retained
// health topic and an "offline" payload. It is registered with the
// broker before connecting (mqtt.ConnectWithWill) so an unexpected
// disconnect overwrites the retained health message instead of leaving
// the last "healthy" state behind.
func HealthLWT(tty, version string) mqtt.Will {
	msg := HealthMessage{
		TTY:       tty,
		Status:    HealthOffline,
		Timestamp: time.Now().UTC(),
		Version:   version,
	}
	payload, _ := json.Marshal(msg)
	return mqtt.Will{
		Topic:    mqtt.Topics{}.Health(tty),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}
}

// GetLWTPayload returns the Last Will and Testament message payload.
func (h *HealthReporter) GetLWTPayload() ([]byte, error) {
	return HealthLWT(h.tty, h.version).Payload, nil
}

// GetLWTTopic returns the topic for the Last Will and Testament.
func (h *HealthReporter) GetLWTTopic() string {
	return h.topics.Health(h.tty)
}

// reportLoop runs the periodic health reporting.
func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Publish initial status
	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current driver status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	if h.transport != nil && !h.transport.IsConnected() {
		return HealthDegraded, "serial port disconnected"
	}

	if h.bridge != nil {
		if fails := h.bridge.consecutiveFailures(); fails >= degradedAfterFailures {
			return HealthDegraded, "inverter not responding"
		}
	}

	return HealthHealthy, ""
}

// publishStatus publishes a health status message.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil // No publisher configured
	}

	msg := HealthMessage{
		TTY:       h.tty,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		Reason:    reason,
	}

	if h.bridge != nil {
		msg.Polls, msg.PollFails = h.bridge.PollStats()
	}
	if h.transport != nil {
		stats := h.transport.Stats()
		msg.Timeouts = stats.Timeouts
		msg.CRCErrors = stats.CRCErrors
		msg.Reopens = stats.Reopens
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// QoS 1, retained so late subscribers see the last status
	return h.publisher.Publish(h.topics.Health(h.tty), payload, 1, true)
}

// logError logs an error if logger is set.
func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
