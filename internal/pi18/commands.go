package pi18

import (
	"fmt"
	"math"
)

// Query command mnemonics.
const (
	// CmdDeviceID requests the inverter serial number.
	CmdDeviceID = "ID"

	// CmdFirmware requests main and secondary CPU firmware versions.
	CmdFirmware = "VFW"

	// CmdRatedInfo requests rated/configured parameters (PIRI).
	CmdRatedInfo = "PIRI"

	// CmdGeneralStatus requests the live telemetry snapshot (GS).
	CmdGeneralStatus = "GS"

	// CmdWorkingMode requests the current working mode (MOD).
	CmdWorkingMode = "MOD"

	// CmdTotalEnergy requests the lifetime generated energy counter (ET).
	CmdTotalEnergy = "ET"

	// CmdFaultStatus requests fault and warning flags (FWS).
	CmdFaultStatus = "FWS"
)

// Output source priorities for CmdSetOutputSource.
const (
	OutputSourceSolarUtilityBattery = 0 // Solar-Utility-Battery
	OutputSourceSolarBatteryUtility = 1 // Solar-Battery-Utility
	OutputSourceSBU                 = 2 // Solar-Battery-Utility (SBU)
)

// Charger source priorities for CmdSetChargerPriority.
const (
	ChargerSolarFirst      = 0
	ChargerSolarAndUtility = 1
	ChargerSolarOnly       = 3
)

// CmdSetOutputSource builds a POP setting command selecting the output
// source priority.
func CmdSetOutputSource(priority int) string {
	return fmt.Sprintf("POP%02d", priority)
}

// CmdSetChargerPriority builds a PCP setting command selecting the
// charger source priority.
func CmdSetChargerPriority(priority int) string {
	return fmt.Sprintf("PCP%02d", priority)
}

// CmdSetChargeVoltage builds an MCHGV setting command. Both bulk and
// float are in volts and transmitted in 0.1 V units. The firmware
// accepts 48.0 to 58.4 V for 48 V models.
func CmdSetChargeVoltage(bulk, float float64) string {
	return fmt.Sprintf("MCHGV%d,%d", int(bulk*10), int(float*10))
}

// CmdSetMaxChargeCurrent builds an MCHGC setting command limiting total
// charge current. The firmware only accepts multiples of ten amps, so
// the value is rounded to the nearest ten.
func CmdSetMaxChargeCurrent(amps float64) string {
	return fmt.Sprintf("MCHGC0%04d", roundToTens(amps))
}

// CmdSetMaxUtilityChargeCurrent builds a MUCHGC setting command
// limiting utility charge current. Rounded to tens with a floor of
// 2 A; zero would disable utility charging entirely.
func CmdSetMaxUtilityChargeCurrent(amps float64) string {
	rounded := roundToTens(amps)
	if rounded < 2 {
		rounded = 2
	}
	return fmt.Sprintf("MUCHGC0%04d", rounded)
}

func roundToTens(v float64) int {
	return int(math.Round(v/10)) * 10
}
