package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// driverCollector exposes the bridge's latest poll snapshot and
// counters as Prometheus metrics. Collect reads the bridge directly,
// so values are never staler than the last poll and no background
// updater is needed.
type driverCollector struct {
	driver DriverStatus

	batteryVoltage  *prometheus.Desc
	batteryCurrent  *prometheus.Desc
	acOutputVoltage *prometheus.Desc
	acOutputPower   *prometheus.Desc
	loadPercent     *prometheus.Desc
	pvVoltage       *prometheus.Desc
	pvPower         *prometheus.Desc
	temperature     *prometheus.Desc
	totalYield      *prometheus.Desc
	todayYield      *prometheus.Desc
	workingMode     *prometheus.Desc
	polls           *prometheus.Desc
	pollFailures    *prometheus.Desc
}

func newDriverCollector(tty string, driver DriverStatus) *driverCollector {
	labels := prometheus.Labels{"tty": tty}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("mppsolar_"+name, help, nil, labels)
	}

	return &driverCollector{
		driver:          driver,
		batteryVoltage:  desc("battery_voltage_volts", "Battery voltage."),
		batteryCurrent:  desc("battery_current_amps", "Battery current, positive while charging."),
		acOutputVoltage: desc("ac_output_voltage_volts", "AC output voltage."),
		acOutputPower:   desc("ac_output_power_watts", "AC output active power."),
		loadPercent:     desc("output_load_percent", "Output load percentage."),
		pvVoltage:       desc("pv_voltage_volts", "PV string 1 input voltage."),
		pvPower:         desc("pv_power_watts", "PV string 1 input power."),
		temperature:     desc("heatsink_temperature_celsius", "Inverter heat sink temperature."),
		totalYield:      desc("yield_total_kwh", "Lifetime generated energy."),
		todayYield:      desc("yield_today_kwh", "Energy generated since midnight."),
		workingMode:     desc("working_mode", "PI18 working mode (0-5)."),
		polls:           desc("polls_total", "Completed poll cycles."),
		pollFailures:    desc("poll_failures_total", "Failed poll cycles."),
	}
}

func (c *driverCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.batteryVoltage
	ch <- c.batteryCurrent
	ch <- c.acOutputVoltage
	ch <- c.acOutputPower
	ch <- c.loadPercent
	ch <- c.pvVoltage
	ch <- c.pvPower
	ch <- c.temperature
	ch <- c.totalYield
	ch <- c.todayYield
	ch <- c.workingMode
	ch <- c.polls
	ch <- c.pollFailures
}

func (c *driverCollector) Collect(ch chan<- prometheus.Metric) {
	polls, failures := c.driver.PollStats()
	ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(polls))
	ch <- prometheus.MustNewConstMetric(c.pollFailures, prometheus.CounterValue, float64(failures))

	snap, ok := c.driver.Latest()
	if !ok {
		return
	}

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	gauge(c.batteryVoltage, snap.Status.BatteryVoltage)
	gauge(c.batteryCurrent, float64(snap.Status.BatteryChargingCurrent-snap.Status.BatteryDischargeCurrent))
	gauge(c.acOutputVoltage, snap.Status.ACOutputVoltage)
	gauge(c.acOutputPower, float64(snap.Status.ACOutputActivePower))
	gauge(c.loadPercent, float64(snap.Status.OutputLoadPercent))
	gauge(c.pvVoltage, snap.Status.PV1InputVoltage)
	gauge(c.pvPower, float64(snap.Status.PV1InputPower))
	gauge(c.temperature, float64(snap.Status.HeatSinkTemperature))
	gauge(c.totalYield, float64(snap.TotalWh)/1000)
	gauge(c.todayYield, float64(snap.TodayWh)/1000)
	gauge(c.workingMode, float64(snap.Mode))
}
