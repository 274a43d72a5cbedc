package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Telemetry is one poll cycle's worth of inverter readings, flattened
// for time-series storage. All values are in SI-ish display units
// (volts, amps, watts, degrees C) after protocol scaling.
type Telemetry struct {
	BatteryVoltage  float64
	BatteryCurrent  float64
	ACOutputVoltage float64
	ACOutputPower   float64
	PVVoltage       float64
	PVPower         float64
	Temperature     float64
	WorkingMode     int
}

// WriteTelemetry writes one poll cycle's readings to InfluxDB.
//
// This is the primary write path, called once per poll interval.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - tty: Serial port identifier used as the device tag (e.g., "ttyUSB0")
//   - t: The scaled readings for this cycle
func (c *Client) WriteTelemetry(tty string, t Telemetry) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"inverter",
		map[string]string{
			"tty": tty,
		},
		map[string]interface{}{
			"battery_voltage":   t.BatteryVoltage,
			"battery_current":   t.BatteryCurrent,
			"ac_output_voltage": t.ACOutputVoltage,
			"ac_output_power":   t.ACOutputPower,
			"pv_voltage":        t.PVVoltage,
			"pv_power":          t.PVPower,
			"temperature_c":     t.Temperature,
			"working_mode":      t.WorkingMode,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEnergyMetric writes yield accounting for one device.
//
// Parameters:
//   - tty: Serial port identifier
//   - totalKWh: Lifetime generated energy in kWh
//   - todayKWh: Energy generated since local midnight in kWh
func (c *Client) WriteEnergyMetric(tty string, totalKWh float64, todayKWh float64) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"total_kwh": totalKWh,
	}
	if todayKWh > 0 {
		fields["today_kwh"] = todayKWh
	}

	point := write.NewPoint(
		"energy",
		map[string]string{
			"tty": tty,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("poll_stats",
//	    map[string]string{"tty": "ttyUSB0"},
//	    map[string]interface{}{"latency_ms": 120.5, "crc_errors": 2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
