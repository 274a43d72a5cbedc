package pi18

import (
	"fmt"
	"strconv"
	"strings"
)

// WorkingMode is the inverter's operating state as reported by MOD.
type WorkingMode int

// Working modes reported by the MOD query.
const (
	ModePowerOn WorkingMode = 0
	ModeStandby WorkingMode = 1
	ModeBypass  WorkingMode = 2
	ModeBattery WorkingMode = 3
	ModeFault   WorkingMode = 4
	ModeHybrid  WorkingMode = 5
)

// String returns the human-readable mode name.
func (m WorkingMode) String() string {
	switch m {
	case ModePowerOn:
		return "Power on mode"
	case ModeStandby:
		return "Standby mode"
	case ModeBypass:
		return "Bypass mode"
	case ModeBattery:
		return "Battery mode"
	case ModeFault:
		return "Fault mode"
	case ModeHybrid:
		return "Hybrid mode"
	default:
		return fmt.Sprintf("Unknown mode (%d)", int(m))
	}
}

// GeneralStatus is the live telemetry snapshot from the GS query.
// Voltages are in volts, currents in amps, powers in watts and
// temperatures in degrees C after protocol scaling (the wire carries
// most voltages and frequencies in tenths).
type GeneralStatus struct {
	GridVoltage             float64
	GridFrequency           float64
	ACOutputVoltage         float64
	ACOutputFrequency       float64
	ACOutputApparentPower   int
	ACOutputActivePower     int
	OutputLoadPercent       int
	BatteryVoltage          float64
	BatteryVoltageSCC       float64
	BatteryVoltageSCC2      float64
	BatteryDischargeCurrent int
	BatteryChargingCurrent  int
	BatteryCapacity         int
	HeatSinkTemperature     int
	MPPT1ChargerTemperature int
	MPPT2ChargerTemperature int
	PV1InputPower           int
	PV2InputPower           int
	PV1InputVoltage         float64
	PV2InputVoltage         float64
	SettingChanged          bool
	MPPT1ChargerStatus      int
	MPPT2ChargerStatus      int
	LoadConnected           bool
	BatteryPowerDirection   int
	DCACPowerDirection      int
	LinePowerDirection      int
	LocalParallelID         int
}

// RatedInfo is the configured/rated parameter set from the PIRI query.
type RatedInfo struct {
	ACInputRatedVoltage        float64
	ACInputRatedCurrent        float64
	ACOutputRatedVoltage       float64
	ACOutputRatedFrequency     float64
	ACOutputRatedCurrent       float64
	ACOutputRatedApparentPower int
	ACOutputRatedActivePower   int
	BatteryRatedVoltage        float64
	BatteryRechargeVoltage     float64
	BatteryRedischargeVoltage  float64
	BatteryUnderVoltage        float64
	BatteryBulkVoltage         float64
	BatteryFloatVoltage        float64
	BatteryType                int
	MaxACChargingCurrent       int
	MaxChargingCurrent         int
	InputVoltageRange          int
	OutputSourcePriority       int
	ChargerSourcePriority      int
	ParallelMaxNumber          int
	MachineType                int
	Topology                   int
	OutputMode                 int
	SolarPowerPriority         int
	MPPTStrings                int
}

// FaultStatus holds the fault code and warning flags from FWS.
type FaultStatus struct {
	FaultCode int
	Warnings  []int // raw flag values in wire order
}

// Identity holds the startup identification queries.
type Identity struct {
	SerialNumber      string
	MainCPUFirmware   string
	SecondCPUFirmware string
}

// ParseGeneralStatus decodes a GS response payload.
func ParseGeneralStatus(payload string) (GeneralStatus, error) {
	f, err := splitInts(payload, 28)
	if err != nil {
		return GeneralStatus{}, fmt.Errorf("parsing GS: %w", err)
	}

	return GeneralStatus{
		GridVoltage:             float64(f[0]) / 10,
		GridFrequency:           float64(f[1]) / 10,
		ACOutputVoltage:         float64(f[2]) / 10,
		ACOutputFrequency:       float64(f[3]) / 10,
		ACOutputApparentPower:   f[4],
		ACOutputActivePower:     f[5],
		OutputLoadPercent:       f[6],
		BatteryVoltage:          float64(f[7]) / 10,
		BatteryVoltageSCC:       float64(f[8]) / 10,
		BatteryVoltageSCC2:      float64(f[9]) / 10,
		BatteryDischargeCurrent: f[10],
		BatteryChargingCurrent:  f[11],
		BatteryCapacity:         f[12],
		HeatSinkTemperature:     f[13],
		MPPT1ChargerTemperature: f[14],
		MPPT2ChargerTemperature: f[15],
		PV1InputPower:           f[16],
		PV2InputPower:           f[17],
		PV1InputVoltage:         float64(f[18]) / 10,
		PV2InputVoltage:         float64(f[19]) / 10,
		SettingChanged:          f[20] != 0,
		MPPT1ChargerStatus:      f[21],
		MPPT2ChargerStatus:      f[22],
		LoadConnected:           f[23] != 0,
		BatteryPowerDirection:   f[24],
		DCACPowerDirection:      f[25],
		LinePowerDirection:      f[26],
		LocalParallelID:         f[27],
	}, nil
}

// ParseRatedInfo decodes a PIRI response payload.
func ParseRatedInfo(payload string) (RatedInfo, error) {
	f, err := splitInts(payload, 25)
	if err != nil {
		return RatedInfo{}, fmt.Errorf("parsing PIRI: %w", err)
	}

	return RatedInfo{
		ACInputRatedVoltage:        float64(f[0]) / 10,
		ACInputRatedCurrent:        float64(f[1]) / 10,
		ACOutputRatedVoltage:       float64(f[2]) / 10,
		ACOutputRatedFrequency:     float64(f[3]) / 10,
		ACOutputRatedCurrent:       float64(f[4]) / 10,
		ACOutputRatedApparentPower: f[5],
		ACOutputRatedActivePower:   f[6],
		BatteryRatedVoltage:        float64(f[7]) / 10,
		BatteryRechargeVoltage:     float64(f[8]) / 10,
		BatteryRedischargeVoltage:  float64(f[9]) / 10,
		BatteryUnderVoltage:        float64(f[10]) / 10,
		BatteryBulkVoltage:         float64(f[11]) / 10,
		BatteryFloatVoltage:        float64(f[12]) / 10,
		BatteryType:                f[13],
		MaxACChargingCurrent:       f[14],
		MaxChargingCurrent:         f[15],
		InputVoltageRange:          f[16],
		OutputSourcePriority:       f[17],
		ChargerSourcePriority:      f[18],
		ParallelMaxNumber:          f[19],
		MachineType:                f[20],
		Topology:                   f[21],
		OutputMode:                 f[22],
		SolarPowerPriority:         f[23],
		MPPTStrings:                f[24],
	}, nil
}

// ParseWorkingMode decodes a MOD response payload (two digits).
func ParseWorkingMode(payload string) (WorkingMode, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("parsing MOD %q: %w", payload, err)
	}
	if n < 0 || n > int(ModeHybrid) {
		return 0, fmt.Errorf("parsing MOD: unknown mode %d", n)
	}
	return WorkingMode(n), nil
}

// ParseTotalEnergy decodes an ET response payload. The counter is in
// watt-hours.
func ParseTotalEnergy(payload string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ET %q: %w", payload, err)
	}
	return n, nil
}

// ParseDeviceID decodes an ID response payload. The first two digits
// give the serial number length, the rest is the (zero-padded) serial.
func ParseDeviceID(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if len(payload) < 2 {
		return "", fmt.Errorf("parsing ID: payload %q too short", payload)
	}
	n, err := strconv.Atoi(payload[:2])
	if err != nil {
		return "", fmt.Errorf("parsing ID length %q: %w", payload[:2], err)
	}
	serial := payload[2:]
	if n > len(serial) {
		return "", fmt.Errorf("parsing ID: declared length %d, have %d chars", n, len(serial))
	}
	return serial[:n], nil
}

// ParseFirmware decodes a VFW response payload into main and secondary
// CPU versions.
func ParseFirmware(payload string) (main, second string, err error) {
	parts := strings.Split(strings.TrimSpace(payload), ",")
	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("parsing VFW: empty payload")
	}
	main = parts[0]
	if len(parts) > 1 {
		second = parts[1]
	}
	return main, second, nil
}

// ParseFaultStatus decodes an FWS response payload. The first field is
// the fault code, the rest are warning flags.
func ParseFaultStatus(payload string) (FaultStatus, error) {
	parts := strings.Split(strings.TrimSpace(payload), ",")
	if len(parts) == 0 || parts[0] == "" {
		return FaultStatus{}, fmt.Errorf("parsing FWS: empty payload")
	}

	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return FaultStatus{}, fmt.Errorf("parsing FWS fault code %q: %w", parts[0], err)
	}

	warnings := make([]int, 0, len(parts)-1)
	for _, p := range parts[1:] {
		w, err := strconv.Atoi(p)
		if err != nil {
			return FaultStatus{}, fmt.Errorf("parsing FWS warning %q: %w", p, err)
		}
		warnings = append(warnings, w)
	}

	return FaultStatus{FaultCode: code, Warnings: warnings}, nil
}

// splitInts parses a comma-separated payload expecting at least want
// integer fields. Extra fields from newer firmware are ignored.
func splitInts(payload string, want int) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(payload), ",")
	if len(parts) < want {
		return nil, fmt.Errorf("got %d fields, want %d", len(parts), want)
	}

	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("field %d %q: %w", i, p, err)
		}
		out[i] = n
	}
	return out, nil
}
