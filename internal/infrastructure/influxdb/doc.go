// Package influxdb provides InfluxDB connectivity for the inverter driver.
//
// It wraps the official influxdb-client-go v2 library with driver-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Per-poll inverter telemetry (battery, AC output, PV input)
//   - Energy yield tracking (lifetime and per-day)
//
// InfluxDB is optional; when disabled in config the driver runs without it
// and state is still published to the message bus.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "home",
//	    Bucket: "solar",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Write one poll cycle
//	client.WriteTelemetry("ttyUSB0", influxdb.Telemetry{BatteryVoltage: 26.4})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This reduces network overhead on the embedded device.
package influxdb
