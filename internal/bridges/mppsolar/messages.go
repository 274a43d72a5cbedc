package mppsolar

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command names accepted on the command topic.
const (
	// CommandMode selects the inverter operating mode. Value is an
	// integer 1-4:
	//
	//	1 - charger solar and utility, output solar-battery-utility
	//	2 - charger solar first, output SBU
	//	3 - charger solar and utility, output SBU
	//	4 - charger solar only, output SBU
	CommandMode = "mode"

	// CommandChargeVoltage sets the bulk and float charge voltages.
	// Value is an object {"bulk": 55.2, "float": 54.0}.
	CommandChargeVoltage = "charge_voltage"

	// CommandChargeCurrent sets the maximum total charge current in
	// amps. The inverter accepts multiples of ten; the value is
	// rounded.
	CommandChargeCurrent = "charge_current"

	// CommandUtilityChargeCurrent sets the maximum utility charge
	// current in amps, rounded to a multiple of ten with a floor of 2.
	CommandUtilityChargeCurrent = "utility_charge_current"

	// CommandProductName overrides the display name stored in the
	// device registry. Value is a string.
	CommandProductName = "product_name"

	// CommandReset asks the driver to exit cleanly so the service
	// supervisor restarts it. No value.
	CommandReset = "reset"
)

// CommandMessage is the payload consumers publish to
// mppsolar/command/{tty}.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Generated
	// by the bridge when the sender leaves it empty.
	ID string `json:"id,omitempty"`

	// Timestamp is when the command was issued (RFC3339).
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Command is one of the Command* constants.
	Command string `json:"command"`

	// Value carries the command argument. Shape depends on the
	// command; absent for reset.
	Value json.RawMessage `json:"value,omitempty"`

	// Source identifies the sender ("api", "automation", "cli").
	Source string `json:"source,omitempty"`
}

// AckStatus indicates the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the command was applied on the inverter.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command could not be applied.
	AckFailed AckStatus = "failed"
)

// Error codes carried on failed acknowledgements.
const (
	ErrCodeInvalidCommand    = "invalid_command"
	ErrCodeInvalidParameters = "invalid_parameters"
	ErrCodeProtocolError     = "protocol_error"
	ErrCodeTimeout           = "timeout"
	ErrCodeRejected          = "rejected"
)

// AckError describes why a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckMessage is published to mppsolar/ack/{tty} for every command
// received, success or failure.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	TTY       string    `json:"tty"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// StateValue wraps a single bus path value for publication. Retained,
// so late subscribers see the last reading immediately.
type StateValue struct {
	Value any `json:"value"`
}

// HealthMessage is published to mppsolar/health/{tty} and, retained,
// describes the driver's view of the inverter link.
type HealthMessage struct {
	TTY       string       `json:"tty"`
	Status    HealthStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	Version   string       `json:"version,omitempty"`

	// Reason is set when the status is not healthy.
	Reason string `json:"reason,omitempty"`

	// Counters since startup.
	Polls     uint64 `json:"polls"`
	PollFails uint64 `json:"poll_failures"`
	Timeouts  uint64 `json:"timeouts"`
	CRCErrors uint64 `json:"crc_errors"`
	Reopens   uint64 `json:"reopens"`
}

// ParseCommandMessage decodes and validates an incoming command
// payload, assigning a correlation ID when the sender omitted one.
//
// Parameters:
//   - payload: raw JSON from the command topic
//
// Returns:
//   - CommandMessage: the decoded command
//   - error: if the payload is not valid JSON or names no command
func ParseCommandMessage(payload []byte) (CommandMessage, error) {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return CommandMessage{}, fmt.Errorf("decode command: %w", err)
	}
	if msg.Command == "" {
		return CommandMessage{}, fmt.Errorf("command field is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}
