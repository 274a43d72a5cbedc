// Package mppsolar bridges a PI18 inverter onto the message bus.
//
// The bridge polls the inverter every 10 seconds (ET, GS, MOD, PIRI)
// and publishes the readings as retained state topics under two
// services, mirroring the platform's inverter and solar charger bus
// APIs:
//
//	mppsolar/state/inverter/{tty}/Dc/0/Voltage
//	mppsolar/state/inverter/{tty}/Ac/Out/L1/P
//	mppsolar/state/solarcharger/{tty}/Yield/Power
//	...
//
// Control flows the other way: consumers write JSON commands to
// mppsolar/command/{tty} (mode changes, charge limits, product rename,
// reset) and the bridge acknowledges each on mppsolar/ack/{tty}.
//
// # Resilience
//
// A failed poll never stops the loop: the previous retained values
// stand and the failure is counted. After consecutive failures the
// health status degrades and the serial port is reopened, which
// recovers wedged USB adapters. A reset command exits the process
// cleanly so the service supervisor restarts it.
//
// # Concurrency
//
// Polls and settings share one serial exchange at a time; the PI18
// client serializes them. The bridge itself is safe for concurrent
// use.
package mppsolar
