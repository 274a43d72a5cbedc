package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/device"
)

// deviceResponse is the /device payload: live identity plus the
// stored registry record when available.
type deviceResponse struct {
	TTY            string `json:"tty"`
	SerialNumber   string `json:"serial_number"`
	Firmware       string `json:"firmware"`
	SecondFirmware string `json:"second_firmware,omitempty"`
	ProductName    string `json:"product_name,omitempty"`
	DeviceInstance int    `json:"device_instance"`
	LastSeen       string `json:"last_seen,omitempty"`
	RegistryBacked bool   `json:"registry_backed"`
}

// handleDevice returns the inverter identity.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	identity := s.driver.Identity()
	resp := deviceResponse{
		TTY:            s.tty,
		SerialNumber:   identity.SerialNumber,
		Firmware:       identity.MainCPUFirmware,
		SecondFirmware: identity.SecondCPUFirmware,
	}

	if s.registry != nil {
		rec, err := s.registry.GetByTTY(r.Context(), s.tty)
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			// Identity only; the record appears after first contact.
		case err != nil:
			s.logger.Error("registry lookup failed", "error", err)
			writeInternalError(w, "registry lookup failed")
			return
		default:
			resp.ProductName = rec.DisplayName()
			resp.DeviceInstance = rec.DeviceInstance
			if !rec.LastSeen.IsZero() {
				resp.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
			}
			resp.RegistryBacked = true
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// telemetryResponse is the /telemetry payload, one flattened poll
// snapshot in display units.
type telemetryResponse struct {
	Timestamp        string  `json:"timestamp"`
	WorkingMode      string  `json:"working_mode"`
	BatteryVoltage   float64 `json:"battery_voltage"`
	BatteryCharging  int     `json:"battery_charging_current"`
	BatteryDischarge int     `json:"battery_discharge_current"`
	ACOutputVoltage  float64 `json:"ac_output_voltage"`
	ACOutputPower    int     `json:"ac_output_power"`
	LoadPercent      int     `json:"load_percent"`
	PVVoltage        float64 `json:"pv_voltage"`
	PVPower          int     `json:"pv_power"`
	Temperature      int     `json:"temperature"`
	TotalYieldKWh    float64 `json:"total_yield_kwh"`
	TodayYieldKWh    float64 `json:"today_yield_kwh"`
}

// handleTelemetry returns the latest poll snapshot, or 503 before the
// first successful poll.
func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.driver.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotReady, "no poll has completed yet")
		return
	}

	writeJSON(w, http.StatusOK, telemetryResponse{
		Timestamp:        snap.Timestamp.UTC().Format(time.RFC3339),
		WorkingMode:      snap.Mode.String(),
		BatteryVoltage:   snap.Status.BatteryVoltage,
		BatteryCharging:  snap.Status.BatteryChargingCurrent,
		BatteryDischarge: snap.Status.BatteryDischargeCurrent,
		ACOutputVoltage:  snap.Status.ACOutputVoltage,
		ACOutputPower:    snap.Status.ACOutputActivePower,
		LoadPercent:      snap.Status.OutputLoadPercent,
		PVVoltage:        snap.Status.PV1InputVoltage,
		PVPower:          snap.Status.PV1InputPower,
		Temperature:      snap.Status.HeatSinkTemperature,
		TotalYieldKWh:    float64(snap.TotalWh) / 1000,
		TodayYieldKWh:    float64(snap.TodayWh) / 1000,
	})
}
