package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the driver's bus surface.
//
// The driver publishes the same object paths the platform bus API defines
// (/Dc/0/Voltage, /Ac/Out/L1/V, ...) as the trailing segments of its state
// topics: mppsolar/state/{service}/{tty}{path}.
const (
	// TopicPrefix is the base for all driver topics.
	TopicPrefix = "mppsolar"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "mppsolar/system"
)

// Service names for the two bus services the driver exposes.
// These correspond to the platform's inverter and solar charger services.
const (
	ServiceInverter     = "inverter"
	ServiceSolarCharger = "solarcharger"
)

// Topics provides builders for the driver's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.State("inverter", "ttyUSB0", "/Dc/0/Voltage")
//	// Returns: "mppsolar/state/inverter/ttyUSB0/Dc/0/Voltage"
type Topics struct{}

// State returns the retained state topic for one bus object path.
//
// Example: mppsolar/state/inverter/ttyUSB0/Ac/Out/L1/V
func (Topics) State(service, tty, path string) string {
	return fmt.Sprintf("%s/state/%s/%s%s", TopicPrefix, service, tty, ensureLeadingSlash(path))
}

// Command returns the topic on which the driver accepts control writes
// (mode changes, charge limits) for one attached inverter.
//
// Example: mppsolar/command/ttyUSB0
func (Topics) Command(tty string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, tty)
}

// Ack returns the topic for command acknowledgements.
//
// Example: mppsolar/ack/ttyUSB0
func (Topics) Ack(tty string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, tty)
}

// Health returns the topic for driver health status.
//
// Example: mppsolar/health/ttyUSB0
func (Topics) Health(tty string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, tty)
}

// SystemStatus returns the driver process status topic (also used for LWT).
//
// Example: mppsolar/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllStates returns a pattern matching every state topic of one device.
//
// Pattern: mppsolar/state/+/ttyUSB0/#
func (Topics) AllStates(tty string) string {
	return fmt.Sprintf("%s/state/+/%s/#", TopicPrefix, tty)
}

// AllCommands returns a pattern matching commands for any device.
//
// Pattern: mppsolar/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// ensureLeadingSlash normalises bus object paths so callers may pass either
// "/Dc/0/Voltage" or "Dc/0/Voltage".
func ensureLeadingSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
