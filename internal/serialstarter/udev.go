package serialstarter

import (
	"fmt"
	"regexp"
	"strings"
)

// Defaults for the Vevor-branded MPP-Solar adapter. The vendor ID is
// the Prolific PL2303 bridge the unit ships with; the serial string is
// burned into the adapter and distinguishes it from other PL2303
// devices on the same machine.
const (
	DefaultVendorID   = "067b"
	DefaultUSBSerial  = "ELARb11A920"
	DefaultService    = "vevor"
	DefaultDriverName = "dbus-mppsolar-p18"
)

// UdevRule describes one serial-starter matching rule: a USB device
// identified by vendor ID and serial string, tagged with a VE_SERVICE
// name for the starter to dispatch on.
type UdevRule struct {
	// VendorID is the four hex digit USB vendor ID (e.g. "067b").
	VendorID string

	// USBSerial is the adapter's serial attribute string.
	USBSerial string

	// Service is the VE_SERVICE value the rule assigns.
	Service string
}

// DefaultUdevRule returns the rule for the stock Vevor adapter.
func DefaultUdevRule() UdevRule {
	return UdevRule{
		VendorID:  DefaultVendorID,
		USBSerial: DefaultUSBSerial,
		Service:   DefaultService,
	}
}

// Render produces the rule line exactly as it must appear in
// /etc/udev/rules.d/serial-starter.rules.
func (r UdevRule) Render() string {
	return fmt.Sprintf(`ACTION=="add", ENV{ID_BUS}=="usb", ATTRS{idVendor}=="%s", ATTRS{serial}=="%s", ENV{VE_SERVICE}="%s"`,
		r.VendorID, r.USBSerial, r.Service)
}

var (
	vendorIDRe = regexp.MustCompile(`^[0-9a-f]{4}$`)
	serviceRe  = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Validate checks the rule's fields against udev grammar constraints.
func (r UdevRule) Validate() error {
	if !vendorIDRe.MatchString(r.VendorID) {
		return fmt.Errorf("vendor id %q: want four lowercase hex digits", r.VendorID)
	}
	if r.USBSerial == "" || strings.ContainsAny(r.USBSerial, `"`+" \t") {
		return fmt.Errorf("usb serial %q: must be non-empty without quotes or whitespace", r.USBSerial)
	}
	if !serviceRe.MatchString(r.Service) {
		return fmt.Errorf("service %q: want lowercase name", r.Service)
	}
	return nil
}

// ruleFieldRe captures key, operator and value of one udev rule field,
// e.g. ATTRS{idVendor}=="067b" or ENV{VE_SERVICE}="vevor".
var ruleFieldRe = regexp.MustCompile(`([A-Z_]+)(?:\{([^}]+)\})?\s*(==|=)\s*"([^"]*)"`)

// ParseUdevRule extracts the fields this driver cares about from a
// rule line. Unknown fields are ignored; missing required fields are
// an error.
//
// Parameters:
//   - line: one udev rule line
//
// Returns:
//   - UdevRule: the parsed vendor, serial and service values
//   - error: if the line carries no VE_SERVICE assignment
func ParseUdevRule(line string) (UdevRule, error) {
	var rule UdevRule
	for _, m := range ruleFieldRe.FindAllStringSubmatch(line, -1) {
		key, sub, op, value := m[1], m[2], m[3], m[4]
		switch {
		case key == "ATTRS" && sub == "idVendor" && op == "==":
			rule.VendorID = value
		case key == "ATTRS" && sub == "serial" && op == "==":
			rule.USBSerial = value
		case key == "ENV" && sub == "VE_SERVICE" && op == "=":
			rule.Service = value
		}
	}
	if rule.Service == "" {
		return UdevRule{}, fmt.Errorf("rule %q assigns no VE_SERVICE", strings.TrimSpace(line))
	}
	return rule, nil
}

// FindRule scans a rules file's content for the first rule assigning
// the given VE_SERVICE name.
func FindRule(content, service string) (UdevRule, bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := ParseUdevRule(line)
		if err != nil {
			continue
		}
		if rule.Service == service {
			return rule, true
		}
	}
	return UdevRule{}, false
}
