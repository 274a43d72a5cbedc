package mppsolar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/mqtt"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/pi18"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]mqtt.MessageHandler
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPublish, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		//nolint:errcheck // Handler errors are not part of these tests
		handler(topic, payload)
	}
}

// fakeInverter implements Inverter for testing.
type fakeInverter struct {
	mu       sync.Mutex
	identity pi18.Identity
	status   pi18.GeneralStatus
	mode     pi18.WorkingMode
	rated    pi18.RatedInfo
	totalWh  int64
	queryErr error
	setErr   error
	setCalls []string
}

func newFakeInverter() *fakeInverter {
	return &fakeInverter{
		identity: pi18.Identity{SerialNumber: "96332309100452", MainCPUFirmware: "05220"},
		status: pi18.GeneralStatus{
			BatteryVoltage:         51.2,
			ACOutputVoltage:        230.1,
			ACOutputActivePower:    408,
			BatteryChargingCurrent: 12,
			HeatSinkTemperature:    41,
			PV1InputPower:          654,
			PV1InputVoltage:        98.7,
		},
		mode:    pi18.ModeHybrid,
		rated:   pi18.RatedInfo{MaxChargingCurrent: 60},
		totalWh: 1234567,
	}
}

func (f *fakeInverter) Identify(ctx context.Context) (pi18.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return pi18.Identity{}, f.queryErr
	}
	return f.identity, nil
}

func (f *fakeInverter) GeneralStatus(ctx context.Context) (pi18.GeneralStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return pi18.GeneralStatus{}, f.queryErr
	}
	return f.status, nil
}

func (f *fakeInverter) WorkingMode(ctx context.Context) (pi18.WorkingMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return f.mode, nil
}

func (f *fakeInverter) RatedInfo(ctx context.Context) (pi18.RatedInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return pi18.RatedInfo{}, f.queryErr
	}
	return f.rated, nil
}

func (f *fakeInverter) TotalEnergy(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return f.totalWh, nil
}

func (f *fakeInverter) recordSet(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls = append(f.setCalls, call)
	return nil
}

func (f *fakeInverter) SetOutputSource(ctx context.Context, priority int) error {
	return f.recordSet(fmt.Sprintf("output=%d", priority))
}

func (f *fakeInverter) SetChargerPriority(ctx context.Context, priority int) error {
	return f.recordSet(fmt.Sprintf("charger=%d", priority))
}

func (f *fakeInverter) SetChargeVoltage(ctx context.Context, bulk, float float64) error {
	return f.recordSet(fmt.Sprintf("voltage=%.1f/%.1f", bulk, float))
}

func (f *fakeInverter) SetMaxChargeCurrent(ctx context.Context, amps float64) error {
	return f.recordSet(fmt.Sprintf("charge=%.0f", amps))
}

func (f *fakeInverter) SetMaxUtilityChargeCurrent(ctx context.Context, amps float64) error {
	return f.recordSet(fmt.Sprintf("utility=%.0f", amps))
}

func (f *fakeInverter) getSetCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.setCalls))
	copy(out, f.setCalls)
	return out
}

func (f *fakeInverter) setQueryErr(err error) {
	f.mu.Lock()
	f.queryErr = err
	f.mu.Unlock()
}

// fakeTransport implements Transport for testing.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	stats     pi18.Stats
	reopens   int
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Stats() pi18.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeTransport) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopens++
	return nil
}

func (f *fakeTransport) reopenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reopens
}

// waitFor polls cond until it is true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// findStateValue returns the last value published on a state topic.
func findStateValue(t *testing.T, published []mockPublish, topic string) (any, bool) {
	t.Helper()
	for i := len(published) - 1; i >= 0; i-- {
		if published[i].Topic != topic {
			continue
		}
		var sv StateValue
		if err := json.Unmarshal(published[i].Payload, &sv); err != nil {
			t.Fatalf("bad state payload on %s: %v", topic, err)
		}
		return sv.Value, true
	}
	return nil, false
}

// findAck returns the last ack published for the tty.
func findAck(t *testing.T, published []mockPublish, tty string) (AckMessage, bool) {
	t.Helper()
	topic := mqtt.Topics{}.Ack(tty)
	for i := len(published) - 1; i >= 0; i-- {
		if published[i].Topic != topic {
			continue
		}
		var ack AckMessage
		if err := json.Unmarshal(published[i].Payload, &ack); err != nil {
			t.Fatalf("bad ack payload: %v", err)
		}
		return ack, true
	}
	return AckMessage{}, false
}

func newTestBridge(t *testing.T, inv *fakeInverter, broker *MockMQTTClient, extra func(*BridgeOptions)) *Bridge {
	t.Helper()
	opts := BridgeOptions{
		TTY:          "ttyUSB0",
		Version:      "1.0.0",
		PollInterval: 20 * time.Millisecond,
		MQTTClient:   broker,
		Inverter:     inv,
	}
	if extra != nil {
		extra(&opts)
	}
	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	return b
}

// ============================================================
// Construction
// ============================================================

func TestNewBridge_Validation(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing tty", BridgeOptions{MQTTClient: broker, Inverter: inv}},
		{"missing mqtt", BridgeOptions{TTY: "ttyUSB0", Inverter: inv}},
		{"missing inverter", BridgeOptions{TTY: "ttyUSB0", MQTTClient: broker}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestBridge_StartFailsWhenInverterSilent(t *testing.T) {
	inv := newFakeInverter()
	inv.queryErr = pi18.ErrTimeout
	b := newTestBridge(t, inv, NewMockMQTTClient(), nil)

	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected identify failure, got nil")
	}
}

// ============================================================
// Startup publications and polling
// ============================================================

func TestBridge_StartPublishesIdentityPaths(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	b := newTestBridge(t, inv, broker, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	topics := mqtt.Topics{}
	published := broker.GetPublished()

	checks := []struct {
		topic string
		want  any
	}{
		{topics.State(mqtt.ServiceInverter, "ttyUSB0", PathSerial), "96332309100452"},
		{topics.State(mqtt.ServiceInverter, "ttyUSB0", PathFirmwareVersion), "05220"},
		{topics.State(mqtt.ServiceInverter, "ttyUSB0", PathConnected), float64(1)},
		{topics.State(mqtt.ServiceInverter, "ttyUSB0", PathMgmtConnection), "ttyUSB0"},
		{topics.State(mqtt.ServiceSolarCharger, "ttyUSB0", PathNrOfTrackers), float64(1)},
		{topics.State(mqtt.ServiceSolarCharger, "ttyUSB0", PathSettingsChargeLimit), float64(60)},
	}

	for _, c := range checks {
		got, ok := findStateValue(t, published, c.topic)
		if !ok {
			t.Errorf("no publication on %s", c.topic)
			continue
		}
		if got != c.want {
			t.Errorf("%s = %v, want %v", c.topic, got, c.want)
		}
	}

	// All state publications are retained
	for _, p := range published {
		if p.Topic == topics.Ack("ttyUSB0") {
			continue
		}
		if !p.Retained {
			t.Errorf("publication on %s not retained", p.Topic)
		}
	}
}

func TestBridge_PollPublishesTelemetry(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	b := newTestBridge(t, inv, broker, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	topics := mqtt.Topics{}
	batteryTopic := topics.State(mqtt.ServiceInverter, "ttyUSB0", PathDCVoltage)
	waitFor(t, time.Second, func() bool {
		_, ok := findStateValue(t, broker.GetPublished(), batteryTopic)
		return ok
	}, "first poll")

	published := broker.GetPublished()

	checks := []struct {
		service string
		path    string
		want    any
	}{
		{mqtt.ServiceInverter, PathDCVoltage, 51.2},
		{mqtt.ServiceInverter, PathACOutVoltage, 230.1},
		{mqtt.ServiceInverter, PathACOutPower, float64(408)},
		{mqtt.ServiceInverter, PathState, float64(StateOff)}, // hybrid presents as off
		{mqtt.ServiceSolarCharger, PathPVVoltage, 98.7},
		{mqtt.ServiceSolarCharger, PathYieldPower, float64(654)},
		{mqtt.ServiceSolarCharger, PathYieldUser, 1234.57},
		{mqtt.ServiceSolarCharger, PathMppOperationMode, float64(MppModeActive)},
		{mqtt.ServiceSolarCharger, PathChargerState, float64(ChargerStateBulk)},
	}

	for _, c := range checks {
		topic := topics.State(c.service, "ttyUSB0", c.path)
		got, ok := findStateValue(t, published, topic)
		if !ok {
			t.Errorf("no publication on %s", topic)
			continue
		}
		if got != c.want {
			t.Errorf("%s = %v, want %v", topic, got, c.want)
		}
	}
}

func TestBridge_PublishState_ChangeDetection(t *testing.T) {
	broker := NewMockMQTTClient()
	b := newTestBridge(t, newFakeInverter(), broker, nil)

	b.publishState(mqtt.ServiceInverter, PathDCVoltage, 51.2)
	b.publishState(mqtt.ServiceInverter, PathDCVoltage, 51.2)
	b.publishState(mqtt.ServiceInverter, PathDCVoltage, 51.3)

	published := broker.GetPublished()
	if len(published) != 2 {
		t.Fatalf("got %d publications, want 2 (unchanged value must be suppressed)", len(published))
	}
}

func TestBridge_PollFailureTriggersReopen(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	transport := &fakeTransport{connected: true}
	b := newTestBridge(t, inv, broker, func(o *BridgeOptions) {
		o.Transport = transport
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	// Break the inverter after startup; polls should fail and the
	// port should be reopened after the failure streak.
	inv.setQueryErr(pi18.ErrTimeout)

	waitFor(t, 2*time.Second, func() bool {
		return transport.reopenCount() > 0
	}, "serial reopen")
}

// A reopened port says nothing about the inverter behind it, so the
// failure streak must survive the reopen and keep health degraded
// until a poll actually succeeds.
func TestBridge_FailureStreakSurvivesReopen(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	transport := &fakeTransport{connected: true}
	b := newTestBridge(t, inv, broker, func(o *BridgeOptions) {
		o.Transport = transport
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	inv.setQueryErr(pi18.ErrTimeout)

	waitFor(t, 2*time.Second, func() bool {
		return transport.reopenCount() > 0
	}, "serial reopen")

	// The streak keeps growing past the reopen threshold while the
	// inverter stays silent.
	waitFor(t, 2*time.Second, func() bool {
		return b.consecutiveFailures() > reopenAfterFailures
	}, "failure streak after reopen")

	// And a second reopen follows at the next threshold multiple.
	waitFor(t, 2*time.Second, func() bool {
		return transport.reopenCount() > 1
	}, "second serial reopen")
}

// ============================================================
// Commands
// ============================================================

func TestBridge_ModeCommand(t *testing.T) {
	tests := []struct {
		mode     int
		wantSets []string
	}{
		{1, []string{"charger=1", "output=1"}},
		{2, []string{"charger=0", "output=2"}},
		{3, []string{"charger=1", "output=2"}},
		{4, []string{"charger=3", "output=2"}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("mode_%d", tt.mode), func(t *testing.T) {
			broker := NewMockMQTTClient()
			inv := newFakeInverter()
			b := newTestBridge(t, inv, broker, nil)

			if err := b.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer b.Stop()
			broker.ClearPublished()

			payload := []byte(fmt.Sprintf(`{"id":"cmd-1","command":"mode","value":%d}`, tt.mode))
			broker.SimulateMessage(mqtt.Topics{}.Command("ttyUSB0"), payload)

			got := inv.getSetCalls()
			if len(got) != len(tt.wantSets) {
				t.Fatalf("set calls = %v, want %v", got, tt.wantSets)
			}
			for i := range got {
				if got[i] != tt.wantSets[i] {
					t.Fatalf("set calls = %v, want %v", got, tt.wantSets)
				}
			}

			ack, ok := findAck(t, broker.GetPublished(), "ttyUSB0")
			if !ok {
				t.Fatal("no ack published")
			}
			if ack.Status != AckAccepted {
				t.Errorf("ack status = %s, want %s", ack.Status, AckAccepted)
			}
			if ack.CommandID != "cmd-1" {
				t.Errorf("ack command id = %q, want cmd-1", ack.CommandID)
			}

			// Mode echoes back on the state topic
			modeTopic := mqtt.Topics{}.State(mqtt.ServiceInverter, "ttyUSB0", PathMode)
			got2, ok := findStateValue(t, broker.GetPublished(), modeTopic)
			if !ok || got2 != float64(tt.mode) {
				t.Errorf("mode state = %v, want %d", got2, tt.mode)
			}
		})
	}
}

func TestBridge_ChargeSettingsCommands(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	b := newTestBridge(t, inv, broker, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	cmdTopic := mqtt.Topics{}.Command("ttyUSB0")
	broker.SimulateMessage(cmdTopic, []byte(`{"command":"charge_voltage","value":{"bulk":55.2,"float":54.0}}`))
	broker.SimulateMessage(cmdTopic, []byte(`{"command":"charge_current","value":80}`))
	broker.SimulateMessage(cmdTopic, []byte(`{"command":"utility_charge_current","value":30}`))

	want := []string{"voltage=55.2/54.0", "charge=80", "utility=30"}
	got := inv.getSetCalls()
	if len(got) != len(want) {
		t.Fatalf("set calls = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("set calls = %v, want %v", got, want)
		}
	}
}

func TestBridge_CommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"unknown command", `{"command":"self_destruct"}`, ErrCodeInvalidCommand},
		{"mode out of range", `{"command":"mode","value":7}`, ErrCodeInvalidParameters},
		{"mode wrong type", `{"command":"mode","value":"high"}`, ErrCodeInvalidParameters},
		{"negative current", `{"command":"charge_current","value":-5}`, ErrCodeInvalidParameters},
		{"empty product name", `{"command":"product_name","value":""}`, ErrCodeInvalidParameters},
		{"not json", `mode 4 please`, ErrCodeInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := NewMockMQTTClient()
			inv := newFakeInverter()
			b := newTestBridge(t, inv, broker, nil)

			if err := b.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer b.Stop()
			broker.ClearPublished()

			broker.SimulateMessage(mqtt.Topics{}.Command("ttyUSB0"), []byte(tt.payload))

			ack, ok := findAck(t, broker.GetPublished(), "ttyUSB0")
			if !ok {
				t.Fatal("no ack published")
			}
			if ack.Status != AckFailed {
				t.Fatalf("ack status = %s, want %s", ack.Status, AckFailed)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
			}
			if calls := inv.getSetCalls(); len(calls) != 0 {
				t.Errorf("inverter touched by invalid command: %v", calls)
			}
		})
	}
}

func TestBridge_RejectedSettingAck(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	inv.setErr = pi18.ErrCommandRejected
	b := newTestBridge(t, inv, broker, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	broker.SimulateMessage(mqtt.Topics{}.Command("ttyUSB0"), []byte(`{"command":"charge_current","value":80}`))

	ack, ok := findAck(t, broker.GetPublished(), "ttyUSB0")
	if !ok {
		t.Fatal("no ack published")
	}
	if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != ErrCodeRejected {
		t.Errorf("ack = %+v, want failed/%s", ack, ErrCodeRejected)
	}
}

func TestBridge_ProductNameCommand(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	b := newTestBridge(t, inv, broker, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	broker.SimulateMessage(mqtt.Topics{}.Command("ttyUSB0"), []byte(`{"command":"product_name","value":"Barn inverter"}`))

	nameTopic := mqtt.Topics{}.State(mqtt.ServiceInverter, "ttyUSB0", PathProductName)
	got, ok := findStateValue(t, broker.GetPublished(), nameTopic)
	if !ok || got != "Barn inverter" {
		t.Errorf("product name state = %v, want Barn inverter", got)
	}
	if b.currentProductName() != "Barn inverter" {
		t.Errorf("cached name = %q", b.currentProductName())
	}
}

func TestBridge_ResetCommand(t *testing.T) {
	broker := NewMockMQTTClient()
	inv := newFakeInverter()
	resetCh := make(chan struct{})
	b := newTestBridge(t, inv, broker, func(o *BridgeOptions) {
		o.OnReset = func() { close(resetCh) }
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	broker.ClearPublished()

	broker.SimulateMessage(mqtt.Topics{}.Command("ttyUSB0"), []byte(`{"command":"reset"}`))

	ack, ok := findAck(t, broker.GetPublished(), "ttyUSB0")
	if !ok || ack.Status != AckAccepted {
		t.Fatalf("ack = %+v, want accepted before reset", ack)
	}

	select {
	case <-resetCh:
	case <-time.After(time.Second):
		t.Fatal("reset callback not invoked")
	}
}

// ============================================================
// Error classification
// ============================================================

func TestAckErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("set: %w", pi18.ErrTimeout), ErrCodeTimeout},
		{"rejected", fmt.Errorf("set: %w", pi18.ErrCommandRejected), ErrCodeRejected},
		{"params", invalidParams("bad value", nil), ErrCodeInvalidParameters},
		{"other", errors.New("port gone"), ErrCodeProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ackError(tt.err); got.Code != tt.want {
				t.Errorf("ackError(%v).Code = %s, want %s", tt.err, got.Code, tt.want)
			}
		})
	}
}
