package mppsolar

import (
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/pi18"
)

// Bus paths published under the inverter service.
const (
	PathDCVoltage    = "/Dc/0/Voltage"
	PathACOutVoltage = "/Ac/Out/L1/V"
	PathACOutCurrent = "/Ac/Out/L1/I"
	PathACOutPower   = "/Ac/Out/L1/P"
	PathMode         = "/Mode"
	PathState        = "/State"
	PathTemperature  = "/Temperature"
)

// Bus paths published under the solar charger service. The DC
// temperature path keeps its odd capitalisation for compatibility with
// existing consumers.
const (
	PathNrOfTrackers     = "/NrOfTrackers"
	PathPVVoltage        = "/Pv/V"
	PathYieldPower       = "/Yield/Power"
	PathYieldUser        = "/Yield/User"
	PathYieldSystem      = "/Yield/System"
	PathChargerDCVoltage = "/Dc/0/Voltage"
	PathChargerDCCurrent = "/Dc/0/Current"
	PathChargerTemp      = "/DC/0/Temperature"
	PathMppOperationMode = "/MppOperationMode"
	PathErrorCode        = "/ErrorCode"
	PathChargerState     = "/State"
	PathRelayState       = "/Relay/0/State"
)

// Management and identity paths, published retained once at startup.
const (
	PathMgmtProcessName    = "/Mgmt/ProcessName"
	PathMgmtProcessVersion = "/Mgmt/ProcessVersion"
	PathMgmtConnection     = "/Mgmt/Connection"
	PathDeviceInstance     = "/DeviceInstance"
	PathProductID          = "/ProductId"
	PathProductName        = "/ProductName"
	PathFirmwareVersion    = "/FirmwareVersion"
	PathConnected          = "/Connected"
	PathSerial             = "/Serial"
)

// Charger link and settings paths, published retained once at startup.
const (
	PathLinkNetworkMode     = "/Link/NetworkMode"
	PathLinkNetworkStatus   = "/Link/NetworkStatus"
	PathSettingsBMSPresent  = "/Settings/BmsPresent"
	PathSettingsChargeLimit = "/Settings/ChargeCurrentLimit"
)

// Inverter state values on the /State path.
const (
	StateOff       = 0
	StateFault     = 2
	StateInverting = 9
)

// Solar charger state values.
const (
	ChargerStateOff  = 0
	ChargerStateBulk = 3
)

// MPP operation modes on /MppOperationMode.
const (
	MppModeOff    = 0
	MppModeActive = 2
)

const productID = 0xA042

// snapshot is everything one poll cycle produced, ready for path
// mapping.
type snapshot struct {
	Status  pi18.GeneralStatus
	Mode    pi18.WorkingMode
	TotalWh int64
	TodayWh int64
}

// inverterState maps the PI18 working mode onto the bus inverter
// state: inverting when running from battery, fault on fault, off
// otherwise (standby, bypass and hybrid all present as off because the
// inverter is not the active source).
func inverterState(mode pi18.WorkingMode) int {
	switch mode {
	case pi18.ModeBattery:
		return StateInverting
	case pi18.ModeFault:
		return StateFault
	default:
		return StateOff
	}
}

// inverterPaths maps a poll snapshot onto the inverter service paths.
func inverterPaths(s snapshot) map[string]any {
	paths := map[string]any{
		PathDCVoltage:    s.Status.BatteryVoltage,
		PathACOutVoltage: s.Status.ACOutputVoltage,
		PathACOutPower:   s.Status.ACOutputActivePower,
		PathState:        inverterState(s.Mode),
		PathTemperature:  s.Status.HeatSinkTemperature,
	}

	// The inverter reports no output current; derive it when both
	// factors are live so the path never divides by zero.
	if s.Status.ACOutputActivePower != 0 && s.Status.ACOutputVoltage != 0 {
		paths[PathACOutCurrent] = round1(float64(s.Status.ACOutputActivePower) / s.Status.ACOutputVoltage)
	} else {
		paths[PathACOutCurrent] = 0.0
	}

	return paths
}

// chargerPaths maps a poll snapshot onto the solar charger service
// paths. Yield counters are published in kilowatt-hours.
func chargerPaths(s snapshot) map[string]any {
	charging := s.Status.PV1InputPower > 0

	state := ChargerStateOff
	mppMode := MppModeOff
	if charging {
		state = ChargerStateBulk
		mppMode = MppModeActive
	}

	return map[string]any{
		PathPVVoltage:        s.Status.PV1InputVoltage,
		PathYieldPower:       s.Status.PV1InputPower,
		PathYieldUser:        round2(float64(s.TotalWh) / 1000),
		PathYieldSystem:      round2(float64(s.TotalWh) / 1000),
		PathChargerDCVoltage: s.Status.BatteryVoltage,
		PathChargerDCCurrent: s.Status.BatteryChargingCurrent,
		PathChargerTemp:      s.Status.MPPT1ChargerTemperature,
		PathMppOperationMode: mppMode,
		PathChargerState:     state,
		PathErrorCode:        0,
	}
}

// staticInverterPaths builds the retained identity paths for the
// inverter service.
func staticInverterPaths(processName, version, tty, productName, firmware string, instance int, serial string) map[string]any {
	return map[string]any{
		PathMgmtProcessName:    processName,
		PathMgmtProcessVersion: version,
		PathMgmtConnection:     tty,
		PathDeviceInstance:     instance,
		PathProductID:          productID,
		PathProductName:        productName,
		PathFirmwareVersion:    firmware,
		PathConnected:          1,
		PathSerial:             serial,
		PathMode:               0,
	}
}

// staticChargerPaths builds the retained identity and link paths for
// the solar charger service. chargeLimit is the rated maximum charge
// current in amps.
func staticChargerPaths(processName, version, tty, productName, firmware string, instance int, serial string, chargeLimit int) map[string]any {
	return map[string]any{
		PathMgmtProcessName:     processName,
		PathMgmtProcessVersion:  version,
		PathMgmtConnection:      tty,
		PathDeviceInstance:      instance,
		PathProductID:           productID,
		PathProductName:         productName,
		PathFirmwareVersion:     firmware,
		PathConnected:           1,
		PathSerial:              serial,
		PathNrOfTrackers:        1,
		PathLinkNetworkMode:     1,
		PathLinkNetworkStatus:   4,
		PathSettingsBMSPresent:  0,
		PathSettingsChargeLimit: chargeLimit,
		PathRelayState:          0,
	}
}

// round1 rounds to one decimal place; derived currents carry no more
// precision than the inverter's own readings.
func round1(v float64) float64 {
	if v < 0 {
		return float64(int64(v*10-0.5)) / 10
	}
	return float64(int64(v*10+0.5)) / 10
}

// round2 rounds to two decimal places for kWh counters.
func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}
