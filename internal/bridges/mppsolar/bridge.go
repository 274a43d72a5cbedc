package mppsolar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/device"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/influxdb"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/mqtt"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/pi18"
)

// Bridge operation constants.
const (
	// defaultPollInterval matches the inverter's own refresh cadence;
	// faster polling returns duplicate readings.
	defaultPollInterval = 10 * time.Second

	// commandTimeout bounds one settings exchange with the inverter.
	commandTimeout = 10 * time.Second

	// reopenAfterFailures is how many consecutive failed polls trigger
	// a serial port reopen.
	reopenAfterFailures = 3

	// defaultChargeLimit is published on /Settings/ChargeCurrentLimit
	// until the rated parameters have been read.
	defaultChargeLimit = 80
)

// Bridge orchestrates bidirectional translation between a PI18
// inverter and MQTT. It handles:
//   - Polling the inverter and publishing retained state topics for
//     the inverter and solar charger services
//   - Receiving commands via MQTT and translating them to PI18
//     settings
//   - Daily energy accounting, health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	tty          string
	processName  string
	version      string
	pollInterval time.Duration

	mqtt      MQTTClient
	inv       Inverter
	transport Transport
	registry  device.Repository
	telemetry TelemetryWriter
	onReset   func()

	topics mqtt.Topics
	health *HealthReporter

	// Identity read at startup
	identity    pi18.Identity
	instance    int
	productName string
	nameMu      sync.RWMutex

	// State cache for change detection: topic -> last published payload
	stateCache   map[string]string
	stateCacheMu sync.Mutex

	// Most recent successful poll, for the local HTTP API
	lastSnap   TelemetrySnapshot
	lastSnapOK bool
	lastSnapMu sync.RWMutex

	// Counters
	polls            atomic.Uint64
	pollFails        atomic.Uint64
	consecutiveFails atomic.Uint32

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Inverter is the typed PI18 command surface the bridge drives.
// Satisfied by *pi18.Device; mocked in tests.
type Inverter interface {
	Identify(ctx context.Context) (pi18.Identity, error)
	GeneralStatus(ctx context.Context) (pi18.GeneralStatus, error)
	WorkingMode(ctx context.Context) (pi18.WorkingMode, error)
	RatedInfo(ctx context.Context) (pi18.RatedInfo, error)
	TotalEnergy(ctx context.Context) (int64, error)
	SetOutputSource(ctx context.Context, priority int) error
	SetChargerPriority(ctx context.Context, priority int) error
	SetChargeVoltage(ctx context.Context, bulk, float float64) error
	SetMaxChargeCurrent(ctx context.Context, amps float64) error
	SetMaxUtilityChargeCurrent(ctx context.Context, amps float64) error
}

// Transport exposes link-level operations on the serial client.
// Satisfied by *pi18.Client. Optional; without it the bridge cannot
// recover a wedged port and health reporting loses the link counters.
type Transport interface {
	IsConnected() bool
	Stats() pi18.Stats
	Reopen() error
}

// TelemetryWriter persists poll readings to the time-series store.
// Satisfied by *influxdb.Client. Optional.
type TelemetryWriter interface {
	WriteTelemetry(tty string, t influxdb.Telemetry)
	WriteEnergyMetric(tty string, totalKWh, todayKWh float64)
}

// Logger is an optional structured logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// TTY is the serial port identifier used in topic names
	// (e.g. "ttyUSB0"). Required.
	TTY string

	// ProcessName appears on /Mgmt/ProcessName. Defaults to
	// "dbus-mppsolar-p18".
	ProcessName string

	// Version appears on /Mgmt/ProcessVersion and in health messages.
	Version string

	// PollInterval overrides the 10 second default.
	PollInterval time.Duration

	// HealthInterval overrides the health reporting cadence.
	HealthInterval time.Duration

	// MQTTClient is the MQTT client implementation. Required.
	MQTTClient MQTTClient

	// Inverter is the PI18 device. Required.
	Inverter Inverter

	// Transport is the serial client, for reopen and link stats.
	// If nil, the bridge operates without port recovery.
	Transport Transport

	// Registry is the device registry for naming, instance allocation
	// and energy accounting. If nil, the bridge uses defaults and
	// skips accounting.
	Registry device.Repository

	// Telemetry is the optional time-series writer.
	Telemetry TelemetryWriter

	// Logger is optional structured logger.
	Logger Logger

	// OnReset is invoked when a reset command is accepted. Typically
	// cancels the run context so the supervisor restarts the driver.
	OnReset func()
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.TTY == "" {
		return nil, fmt.Errorf("tty is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Inverter == nil {
		return nil, fmt.Errorf("inverter is required")
	}
	if opts.ProcessName == "" {
		opts.ProcessName = "dbus-mppsolar-p18"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	// Bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		tty:          opts.TTY,
		processName:  opts.ProcessName,
		version:      opts.Version,
		pollInterval: opts.PollInterval,
		mqtt:         opts.MQTTClient,
		inv:          opts.Inverter,
		transport:    opts.Transport, // May be nil (optional)
		registry:     opts.Registry,  // May be nil (optional)
		telemetry:    opts.Telemetry, // May be nil (optional)
		onReset:      opts.OnReset,
		productName:  device.DefaultProductName,
		stateCache:   make(map[string]string),
		done:         make(chan struct{}),
		ctx:          ctx,
		ctxCancel:    ctxCancel,
		logger:       opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		TTY:       opts.TTY,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Transport: opts.Transport,
		Bridge:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// SetLogger replaces the bridge logger. Safe to call while running.
func (b *Bridge) SetLogger(l Logger) {
	b.loggerMu.Lock()
	b.logger = l
	b.loggerMu.Unlock()
	b.health.SetLogger(l)
}

// Start identifies the inverter, publishes the retained identity
// paths, subscribes to the command topic and launches the poll loop
// and health reporter.
//
// An identification failure aborts startup: it means no PI18 device
// answers on the port, and the serial starter should hand the port to
// the next candidate driver.
func (b *Bridge) Start(ctx context.Context) error {
	// Registry record first: it carries the device instance and any
	// installer name override across restarts.
	if b.registry != nil {
		rec, err := b.registry.GetOrCreate(ctx, b.tty)
		if err != nil {
			return fmt.Errorf("register device: %w", err)
		}
		b.instance = rec.DeviceInstance
		b.setProductName(rec.DisplayName())
	}

	idCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	identity, err := b.inv.Identify(idCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("identify inverter on %s: %w", b.tty, err)
	}
	b.identity = identity
	b.logInfo("inverter identified",
		"tty", b.tty,
		"serial", identity.SerialNumber,
		"firmware", identity.MainCPUFirmware)

	if b.registry != nil {
		if err := b.registry.UpdateIdentity(ctx, b.tty, identity.SerialNumber, identity.MainCPUFirmware); err != nil {
			b.logError("failed to store identity", err)
		}
	}

	chargeLimit := defaultChargeLimit
	ratedCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	rated, err := b.inv.RatedInfo(ratedCtx)
	cancel()
	if err != nil {
		b.logError("failed to read rated parameters", err)
	} else if rated.MaxChargingCurrent > 0 {
		chargeLimit = rated.MaxChargingCurrent
	}

	b.publishStaticPaths(chargeLimit)

	commandTopic := b.topics.Command(b.tty)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(b.ctx)

	b.wg.Add(1)
	go b.pollLoop()

	b.logInfo("bridge started", "tty", b.tty, "poll_interval", b.pollInterval)
	return nil
}

// Stop shuts the bridge down, waiting for in-flight work to finish.
// Safe to call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()
		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped", "tty", b.tty)
	})
}

// Identity returns the inverter identity read at startup.
func (b *Bridge) Identity() pi18.Identity {
	return b.identity
}

// TelemetrySnapshot is a completed poll cycle, exposed to the local
// HTTP API.
type TelemetrySnapshot struct {
	Timestamp time.Time
	Status    pi18.GeneralStatus
	Mode      pi18.WorkingMode
	TotalWh   int64
	TodayWh   int64
}

// Latest returns the most recent successful poll. ok is false until
// the first poll completes.
func (b *Bridge) Latest() (snap TelemetrySnapshot, ok bool) {
	b.lastSnapMu.RLock()
	defer b.lastSnapMu.RUnlock()
	return b.lastSnap, b.lastSnapOK
}

// PollStats returns the poll counters since startup.
func (b *Bridge) PollStats() (polls, failures uint64) {
	return b.polls.Load(), b.pollFails.Load()
}

// consecutiveFailures reports the current failed-poll streak. Used by
// the health reporter to degrade status.
func (b *Bridge) consecutiveFailures() int {
	return int(b.consecutiveFails.Load())
}

// ============================================================
// Poll loop
// ============================================================

func (b *Bridge) pollLoop() {
	defer b.wg.Done()

	// First poll immediately so retained state appears without
	// waiting out a full interval.
	b.poll()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

// poll runs one read cycle: energy counter, live status and mode, then
// mapping, change-detected publication, accounting and telemetry.
// Failures are counted but never stop the loop.
func (b *Bridge) poll() {
	ctx, cancel := context.WithTimeout(b.ctx, b.pollInterval)
	defer cancel()

	snap, err := b.readSnapshot(ctx)
	if err != nil {
		b.pollFails.Add(1)
		fails := b.consecutiveFails.Add(1)
		b.logError("poll failed", err)

		// Reopening succeeds even when the inverter stays silent, so
		// the failure streak clears only on a successful poll. Retry
		// the reopen every Nth failure rather than every poll.
		if fails >= reopenAfterFailures && fails%reopenAfterFailures == 0 && b.transport != nil {
			b.logInfo("reopening serial port", "tty", b.tty, "consecutive_failures", fails)
			if rerr := b.transport.Reopen(); rerr != nil {
				b.logError("serial reopen failed", rerr)
			}
		}
		return
	}

	b.polls.Add(1)
	b.consecutiveFails.Store(0)

	now := time.Now()
	defer func() {
		b.lastSnapMu.Lock()
		b.lastSnap = TelemetrySnapshot{
			Timestamp: now,
			Status:    snap.Status,
			Mode:      snap.Mode,
			TotalWh:   snap.TotalWh,
			TodayWh:   snap.TodayWh,
		}
		b.lastSnapOK = true
		b.lastSnapMu.Unlock()
	}()
	if b.registry != nil {
		day := now.Format("2006-01-02")
		todayWh, err := b.registry.RecordEnergy(ctx, b.tty, day, snap.TotalWh)
		if err != nil {
			b.logError("energy accounting failed", err)
		} else {
			snap.TodayWh = todayWh
		}
		if err := b.registry.Touch(ctx, b.tty, now); err != nil {
			b.logError("failed to record poll time", err)
		}
	}

	b.publishSnapshot(snap)

	if b.telemetry != nil {
		b.telemetry.WriteTelemetry(b.tty, influxdb.Telemetry{
			BatteryVoltage:  snap.Status.BatteryVoltage,
			BatteryCurrent:  float64(snap.Status.BatteryChargingCurrent - snap.Status.BatteryDischargeCurrent),
			ACOutputVoltage: snap.Status.ACOutputVoltage,
			ACOutputPower:   float64(snap.Status.ACOutputActivePower),
			PVVoltage:       snap.Status.PV1InputVoltage,
			PVPower:         float64(snap.Status.PV1InputPower),
			Temperature:     float64(snap.Status.HeatSinkTemperature),
			WorkingMode:     int(snap.Mode),
		})
		b.telemetry.WriteEnergyMetric(b.tty,
			float64(snap.TotalWh)/1000,
			float64(snap.TodayWh)/1000)
	}
}

// readSnapshot performs the poll cycle's inverter exchanges.
func (b *Bridge) readSnapshot(ctx context.Context) (snapshot, error) {
	totalWh, err := b.inv.TotalEnergy(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("read energy counter: %w", err)
	}
	status, err := b.inv.GeneralStatus(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("read general status: %w", err)
	}
	mode, err := b.inv.WorkingMode(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("read working mode: %w", err)
	}
	return snapshot{Status: status, Mode: mode, TotalWh: totalWh}, nil
}

// publishSnapshot publishes both services' paths, retained, skipping
// values unchanged since the last cycle.
func (b *Bridge) publishSnapshot(s snapshot) {
	for path, value := range inverterPaths(s) {
		b.publishState(mqtt.ServiceInverter, path, value)
	}
	for path, value := range chargerPaths(s) {
		b.publishState(mqtt.ServiceSolarCharger, path, value)
	}
}

// publishState publishes one path value retained, with change
// detection against the state cache.
func (b *Bridge) publishState(service, path string, value any) {
	payload, err := json.Marshal(StateValue{Value: value})
	if err != nil {
		b.logError("failed to encode state value", err)
		return
	}

	topic := b.topics.State(service, b.tty, path)

	b.stateCacheMu.Lock()
	if b.stateCache[topic] == string(payload) {
		b.stateCacheMu.Unlock()
		return
	}
	b.stateCache[topic] = string(payload)
	b.stateCacheMu.Unlock()

	if err := b.mqtt.Publish(topic, payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	}
}

// publishStaticPaths publishes the retained identity and settings
// paths for both services.
func (b *Bridge) publishStaticPaths(chargeLimit int) {
	name := b.currentProductName()
	firmware := b.identity.MainCPUFirmware
	serial := b.identity.SerialNumber

	for path, value := range staticInverterPaths(b.processName, b.version, b.tty, name, firmware, b.instance, serial) {
		b.publishState(mqtt.ServiceInverter, path, value)
	}
	for path, value := range staticChargerPaths(b.processName, b.version, b.tty, name, firmware, b.instance, serial, chargeLimit) {
		b.publishState(mqtt.ServiceSolarCharger, path, value)
	}
}

// ============================================================
// Command handling
// ============================================================

// handleCommandMessage is the MQTT subscription callback for the
// command topic.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	msg, err := ParseCommandMessage(payload)
	if err != nil {
		b.logError("invalid command payload", err)
		b.publishAck(AckMessage{
			CommandID: "",
			Timestamp: time.Now().UTC(),
			TTY:       b.tty,
			Status:    AckFailed,
			Error:     &AckError{Code: ErrCodeInvalidCommand, Message: err.Error()},
		})
		return nil
	}

	b.logInfo("command received", "command", msg.Command, "id", msg.ID, "source", msg.Source)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.applyCommand(ctx, msg); err != nil {
		b.publishAck(AckMessage{
			CommandID: msg.ID,
			Timestamp: time.Now().UTC(),
			TTY:       b.tty,
			Command:   msg.Command,
			Status:    AckFailed,
			Error:     ackError(err),
		})
		b.logError("command failed", err)
		return nil
	}

	b.publishAck(AckMessage{
		CommandID: msg.ID,
		Timestamp: time.Now().UTC(),
		TTY:       b.tty,
		Command:   msg.Command,
		Status:    AckAccepted,
	})
	return nil
}

// modeSettings maps the bus /Mode values onto PI18 charger and output
// source priorities.
var modeSettings = map[int]struct{ charger, output int }{
	1: {pi18.ChargerSolarAndUtility, pi18.OutputSourceSolarBatteryUtility},
	2: {pi18.ChargerSolarFirst, pi18.OutputSourceSBU},
	3: {pi18.ChargerSolarAndUtility, pi18.OutputSourceSBU},
	4: {pi18.ChargerSolarOnly, pi18.OutputSourceSBU},
}

func (b *Bridge) applyCommand(ctx context.Context, msg CommandMessage) error {
	switch msg.Command {
	case CommandMode:
		var mode int
		if err := json.Unmarshal(msg.Value, &mode); err != nil {
			return invalidParams("mode value must be an integer", err)
		}
		settings, ok := modeSettings[mode]
		if !ok {
			return invalidParams(fmt.Sprintf("mode %d out of range 1-4", mode), nil)
		}
		if err := b.inv.SetChargerPriority(ctx, settings.charger); err != nil {
			return err
		}
		if err := b.inv.SetOutputSource(ctx, settings.output); err != nil {
			return err
		}
		b.publishState(mqtt.ServiceInverter, PathMode, mode)
		return nil

	case CommandChargeVoltage:
		var v struct {
			Bulk  float64 `json:"bulk"`
			Float float64 `json:"float"`
		}
		if err := json.Unmarshal(msg.Value, &v); err != nil {
			return invalidParams("charge_voltage value must be {bulk, float}", err)
		}
		if v.Bulk <= 0 || v.Float <= 0 {
			return invalidParams("bulk and float voltages must be positive", nil)
		}
		return b.inv.SetChargeVoltage(ctx, v.Bulk, v.Float)

	case CommandChargeCurrent:
		var amps float64
		if err := json.Unmarshal(msg.Value, &amps); err != nil {
			return invalidParams("charge_current value must be a number", err)
		}
		if amps < 0 {
			return invalidParams("charge current must be non-negative", nil)
		}
		return b.inv.SetMaxChargeCurrent(ctx, amps)

	case CommandUtilityChargeCurrent:
		var amps float64
		if err := json.Unmarshal(msg.Value, &amps); err != nil {
			return invalidParams("utility_charge_current value must be a number", err)
		}
		if amps < 0 {
			return invalidParams("charge current must be non-negative", nil)
		}
		return b.inv.SetMaxUtilityChargeCurrent(ctx, amps)

	case CommandProductName:
		var name string
		if err := json.Unmarshal(msg.Value, &name); err != nil {
			return invalidParams("product_name value must be a string", err)
		}
		if name == "" {
			return invalidParams("product name must not be empty", nil)
		}
		if b.registry != nil {
			if err := b.registry.SetProductName(ctx, b.tty, name); err != nil {
				return fmt.Errorf("store product name: %w", err)
			}
		}
		b.setProductName(name)
		b.publishState(mqtt.ServiceInverter, PathProductName, name)
		b.publishState(mqtt.ServiceSolarCharger, PathProductName, name)
		return nil

	case CommandReset:
		if b.onReset == nil {
			return fmt.Errorf("%s: reset not supported in this deployment", ErrCodeInvalidCommand)
		}
		// Ack goes out first; the reset callback typically ends the
		// process.
		go func() {
			time.Sleep(100 * time.Millisecond)
			b.onReset()
		}()
		return nil

	default:
		return fmt.Errorf("%s: unknown command %q", ErrCodeInvalidCommand, msg.Command)
	}
}

// publishAck publishes a command acknowledgement, QoS 1, not retained.
func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to encode ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(b.tty), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// paramError marks validation failures so acks carry the right code.
type paramError struct {
	msg   string
	cause error
}

func (e *paramError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *paramError) Unwrap() error { return e.cause }

func invalidParams(msg string, cause error) error {
	return &paramError{msg: msg, cause: cause}
}

// ackError classifies a command failure into an ack error code.
func ackError(err error) *AckError {
	var pe *paramError
	switch {
	case errors.As(err, &pe):
		return &AckError{Code: ErrCodeInvalidParameters, Message: err.Error()}
	case errors.Is(err, pi18.ErrTimeout):
		return &AckError{Code: ErrCodeTimeout, Message: err.Error()}
	case errors.Is(err, pi18.ErrCommandRejected):
		return &AckError{Code: ErrCodeRejected, Message: err.Error()}
	default:
		return &AckError{Code: ErrCodeProtocolError, Message: err.Error()}
	}
}

// ============================================================
// Helpers
// ============================================================

func (b *Bridge) currentProductName() string {
	b.nameMu.RLock()
	defer b.nameMu.RUnlock()
	return b.productName
}

func (b *Bridge) setProductName(name string) {
	b.nameMu.Lock()
	b.productName = name
	b.nameMu.Unlock()
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
