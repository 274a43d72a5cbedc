package pi18

import (
	"context"
	"fmt"
)

// Device provides typed PI18 operations on top of a Connector.
// It owns no state beyond the transport; every call is one exchange
// with the inverter.
type Device struct {
	conn Connector
}

// NewDevice wraps a Connector in the typed command layer.
func NewDevice(conn Connector) *Device {
	return &Device{conn: conn}
}

// Identify reads the inverter serial number and firmware versions.
// Called once at startup; the values feed device registration.
func (d *Device) Identify(ctx context.Context) (Identity, error) {
	idPayload, err := d.conn.Query(ctx, CmdDeviceID)
	if err != nil {
		return Identity{}, err
	}
	serial, err := ParseDeviceID(idPayload)
	if err != nil {
		return Identity{}, err
	}

	fwPayload, err := d.conn.Query(ctx, CmdFirmware)
	if err != nil {
		return Identity{}, err
	}
	main, second, err := ParseFirmware(fwPayload)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		SerialNumber:      serial,
		MainCPUFirmware:   main,
		SecondCPUFirmware: second,
	}, nil
}

// GeneralStatus reads the live telemetry snapshot.
func (d *Device) GeneralStatus(ctx context.Context) (GeneralStatus, error) {
	payload, err := d.conn.Query(ctx, CmdGeneralStatus)
	if err != nil {
		return GeneralStatus{}, err
	}
	return ParseGeneralStatus(payload)
}

// WorkingMode reads the current operating mode.
func (d *Device) WorkingMode(ctx context.Context) (WorkingMode, error) {
	payload, err := d.conn.Query(ctx, CmdWorkingMode)
	if err != nil {
		return 0, err
	}
	return ParseWorkingMode(payload)
}

// RatedInfo reads the rated/configured parameter set.
func (d *Device) RatedInfo(ctx context.Context) (RatedInfo, error) {
	payload, err := d.conn.Query(ctx, CmdRatedInfo)
	if err != nil {
		return RatedInfo{}, err
	}
	return ParseRatedInfo(payload)
}

// TotalEnergy reads the lifetime generated energy counter in watt-hours.
func (d *Device) TotalEnergy(ctx context.Context) (int64, error) {
	payload, err := d.conn.Query(ctx, CmdTotalEnergy)
	if err != nil {
		return 0, err
	}
	return ParseTotalEnergy(payload)
}

// FaultStatus reads the fault code and warning flags.
func (d *Device) FaultStatus(ctx context.Context) (FaultStatus, error) {
	payload, err := d.conn.Query(ctx, CmdFaultStatus)
	if err != nil {
		return FaultStatus{}, err
	}
	return ParseFaultStatus(payload)
}

// SetOutputSource selects the output source priority.
func (d *Device) SetOutputSource(ctx context.Context, priority int) error {
	if priority < 0 || priority > OutputSourceSBU {
		return fmt.Errorf("pi18: output source priority %d out of range", priority)
	}
	return d.conn.Set(ctx, CmdSetOutputSource(priority))
}

// SetChargerPriority selects the charger source priority.
func (d *Device) SetChargerPriority(ctx context.Context, priority int) error {
	if priority < 0 || priority > ChargerSolarOnly {
		return fmt.Errorf("pi18: charger priority %d out of range", priority)
	}
	return d.conn.Set(ctx, CmdSetChargerPriority(priority))
}

// SetChargeVoltage sets bulk and float charge voltage in volts.
func (d *Device) SetChargeVoltage(ctx context.Context, bulk, float float64) error {
	if bulk <= 0 || float <= 0 {
		return fmt.Errorf("pi18: charge voltage must be positive")
	}
	return d.conn.Set(ctx, CmdSetChargeVoltage(bulk, float))
}

// SetMaxChargeCurrent limits total charge current in amps.
func (d *Device) SetMaxChargeCurrent(ctx context.Context, amps float64) error {
	if amps < 0 {
		return fmt.Errorf("pi18: charge current must be non-negative")
	}
	return d.conn.Set(ctx, CmdSetMaxChargeCurrent(amps))
}

// SetMaxUtilityChargeCurrent limits utility charge current in amps.
func (d *Device) SetMaxUtilityChargeCurrent(ctx context.Context, amps float64) error {
	if amps < 0 {
		return fmt.Errorf("pi18: charge current must be non-negative")
	}
	return d.conn.Set(ctx, CmdSetMaxUtilityChargeCurrent(amps))
}
