package device

import "time"

// DefaultProductName is used when no override is stored for a tty.
const DefaultProductName = "MPPSolar"

// Device is one registry row: the stable identity the driver presents
// on the bus for a given serial port.
type Device struct {
	// TTY is the port identifier without the /dev/ prefix
	// (e.g. "ttyUSB0"). Primary key.
	TTY string

	// ProductName is the installer-facing name. Empty means
	// DefaultProductName.
	ProductName string

	// DeviceInstance is the bus device instance number. Multiple
	// inverters on one system get distinct instances.
	DeviceInstance int

	// SerialNumber is the inverter serial from the ID query.
	SerialNumber string

	// Firmware is the main CPU firmware version from the VFW query.
	Firmware string

	// LastSeen is the last successful poll, UTC.
	LastSeen time.Time
}

// DisplayName returns the product name, falling back to the default.
func (d *Device) DisplayName() string {
	if d.ProductName == "" {
		return DefaultProductName
	}
	return d.ProductName
}

// EnergyDay is one day's yield accounting for a tty.
type EnergyDay struct {
	TTY string

	// Day is the local date in "2006-01-02" form.
	Day string

	// StartWh is the lifetime counter value at the first poll of the day.
	StartWh int64

	// TodayWh is the latest counter value minus StartWh.
	TodayWh int64
}
