// dbus-mppsolar-p18 - PI18 inverter driver
//
// The serial starter launches one instance of this process per matched
// port. The driver polls the inverter, publishes telemetry to the
// message bus and accepts control commands; a local HTTP endpoint
// exposes status and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/TheBarnHome/dbus-mppsolar-p18/migrations"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/api"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/bridges/mppsolar"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/device"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/config"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/database"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/influxdb"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/logging"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/mqtt"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/pi18"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
)

// Default configuration file path
const defaultConfigPath = "/data/etc/dbus-mppsolar-p18/config.yaml"

// options are the command line arguments. The serial starter passes
// only the port name; everything else comes from config or defaults.
type options struct {
	serial     string
	baudrate   int
	configPath string
}

func main() {
	var opts options
	flag.StringVar(&opts.serial, "serial", "", "serial port (e.g. /dev/ttyUSB0 or ttyUSB0)")
	flag.IntVar(&opts.baudrate, "baudrate", 0, "serial baud rate (default from config, 2400)")
	flag.StringVar(&opts.configPath, "config", "", "configuration file path")
	flag.Parse()

	// Cancel on interrupt signals for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed command line arguments
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts options) error {
	log := logging.Default()

	cfg, err := config.LoadOrDefault(configPath(opts))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.serial != "" {
		cfg.Serial.Port = normalizePort(opts.serial)
	}
	if opts.baudrate > 0 {
		cfg.Serial.Baud = opts.baudrate
	}
	if cfg.Serial.Port == "" {
		return fmt.Errorf("no serial port: pass -serial or set MPPSOLAR_SERIAL_PORT")
	}

	log = logging.New(cfg.Logging, version)
	tty := filepath.Base(cfg.Serial.Port)
	log.Info("starting driver",
		"version", version,
		"commit", commit,
		"port", cfg.Serial.Port,
		"baud", cfg.Serial.Baud,
	)

	// Database: device registry and energy accounting
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	registry := device.NewSQLiteRepository(db.DB)
	log.Info("database ready", "path", cfg.Database.Path)

	// Configured identity overrides land in the registry before the
	// bridge reads its row.
	if cfg.Device.ProductName != "" || cfg.Device.Instance > 0 {
		if _, err := registry.GetOrCreate(ctx, tty); err != nil {
			return fmt.Errorf("registering device: %w", err)
		}
		if cfg.Device.ProductName != "" {
			if err := registry.SetProductName(ctx, tty, cfg.Device.ProductName); err != nil {
				return fmt.Errorf("applying product name override: %w", err)
			}
		}
		if cfg.Device.Instance > 0 {
			if err := registry.SetDeviceInstance(ctx, tty, cfg.Device.Instance); err != nil {
				return fmt.Errorf("applying device instance override: %w", err)
			}
		}
	}

	// MQTT: one client per driver instance. The will marks this
	// device's retained health topic offline on an unexpected
	// disconnect.
	cfg.MQTT.Broker.ClientID = fmt.Sprintf("%s-%s", cfg.MQTT.Broker.ClientID, tty)
	mqttClient, err := mqtt.ConnectWithWill(cfg.MQTT, mppsolar.HealthLWT(tty, version))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Serial link and PI18 client
	serialClient, err := pi18.Connect(pi18.Config{
		Port:        cfg.Serial.Port,
		Baud:        cfg.Serial.Baud,
		ReadTimeout: cfg.SerialReadTimeout(),
	})
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", cfg.Serial.Port, err)
	}
	defer func() {
		if closeErr := serialClient.Close(); closeErr != nil {
			log.Error("error closing serial port", "error", closeErr)
		}
	}()
	inverter := pi18.NewDevice(serialClient)

	// A reset command ends the run context; the service supervisor
	// restarts the process.
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	bridgeOpts := mppsolar.BridgeOptions{
		TTY:          tty,
		ProcessName:  "dbus-mppsolar-p18",
		Version:      version,
		PollInterval: cfg.PollInterval(),
		MQTTClient:   mqttClient,
		Inverter:     inverter,
		Transport:    serialClient,
		Registry:     registry,
		Logger:       log,
		OnReset: func() {
			log.Info("reset requested, shutting down for supervisor restart")
			runCancel()
		},
	}
	if influxClient != nil {
		bridgeOpts.Telemetry = influxClient
	}

	bridge, err := mppsolar.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(runCtx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer bridge.Stop()

	// Local status endpoint
	if cfg.HTTP.Enabled {
		apiServer, err := api.New(api.Deps{
			Config:   cfg.HTTP,
			Logger:   log,
			TTY:      tty,
			Driver:   bridge,
			Registry: registry,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating status endpoint: %w", err)
		}
		if err := apiServer.Start(runCtx); err != nil {
			return fmt.Errorf("starting status endpoint: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing status endpoint", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-runCtx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// configPath returns the configuration file path: flag, then
// MPPSOLAR_CONFIG, then the default.
func configPath(opts options) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if path := os.Getenv("MPPSOLAR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// normalizePort accepts both "ttyUSB0" (as handed over by the serial
// starter) and a full "/dev/ttyUSB0" path.
func normalizePort(port string) string {
	if filepath.IsAbs(port) {
		return port
	}
	return filepath.Join("/dev", port)
}
