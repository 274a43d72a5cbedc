package device_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/device"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/database"
	_ "github.com/TheBarnHome/dbus-mppsolar-p18/migrations" // register embedded schema
)

// newTestRepo opens a fresh database in a temp dir with migrations applied.
func newTestRepo(t *testing.T) *device.SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "devices.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	return device.NewSQLiteRepository(db.DB)
}

func TestGetOrCreate_New(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	dev, err := repo.GetOrCreate(ctx, "ttyUSB0")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if dev.TTY != "ttyUSB0" {
		t.Errorf("TTY = %q, want ttyUSB0", dev.TTY)
	}
	if dev.DeviceInstance != 0 {
		t.Errorf("DeviceInstance = %d, want 0", dev.DeviceInstance)
	}
	if dev.DisplayName() != device.DefaultProductName {
		t.Errorf("DisplayName() = %q, want %q", dev.DisplayName(), device.DefaultProductName)
	}
}

func TestGetOrCreate_InstanceAllocation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.GetOrCreate(ctx, "ttyUSB0")
	if err != nil {
		t.Fatalf("GetOrCreate(ttyUSB0) error = %v", err)
	}
	second, err := repo.GetOrCreate(ctx, "ttyUSB1")
	if err != nil {
		t.Fatalf("GetOrCreate(ttyUSB1) error = %v", err)
	}

	if first.DeviceInstance == second.DeviceInstance {
		t.Errorf("both devices got instance %d", first.DeviceInstance)
	}
	if second.DeviceInstance != first.DeviceInstance+1 {
		t.Errorf("second instance = %d, want %d", second.DeviceInstance, first.DeviceInstance+1)
	}
}

func TestGetOrCreate_Existing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "ttyUSB0"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := repo.SetProductName(ctx, "ttyUSB0", "Shed Inverter"); err != nil {
		t.Fatalf("SetProductName() error = %v", err)
	}

	dev, err := repo.GetOrCreate(ctx, "ttyUSB0")
	if err != nil {
		t.Fatalf("second GetOrCreate() error = %v", err)
	}
	if dev.ProductName != "Shed Inverter" {
		t.Errorf("ProductName = %q, want Shed Inverter (must not reset on reattach)", dev.ProductName)
	}
}

func TestGetByTTY_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetByTTY(context.Background(), "ttyUSB9")
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetByTTY() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestValidateTTY(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, tty := range []string{"", "/dev/ttyUSB0", "tty USB0", "tty#0", "tty+0"} {
		if _, err := repo.GetByTTY(ctx, tty); !errors.Is(err, device.ErrInvalidTTY) {
			t.Errorf("GetByTTY(%q) error = %v, want ErrInvalidTTY", tty, err)
		}
	}
}

func TestUpdateIdentity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "ttyUSB0"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := repo.UpdateIdentity(ctx, "ttyUSB0", "96161704100000", "05220"); err != nil {
		t.Fatalf("UpdateIdentity() error = %v", err)
	}

	dev, err := repo.GetByTTY(ctx, "ttyUSB0")
	if err != nil {
		t.Fatalf("GetByTTY() error = %v", err)
	}
	if dev.SerialNumber != "96161704100000" {
		t.Errorf("SerialNumber = %q", dev.SerialNumber)
	}
	if dev.Firmware != "05220" {
		t.Errorf("Firmware = %q", dev.Firmware)
	}
}

func TestSetDeviceInstance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "ttyUSB0"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := repo.SetDeviceInstance(ctx, "ttyUSB0", 42); err != nil {
		t.Fatalf("SetDeviceInstance() error = %v", err)
	}

	dev, err := repo.GetByTTY(ctx, "ttyUSB0")
	if err != nil {
		t.Fatalf("GetByTTY() error = %v", err)
	}
	if dev.DeviceInstance != 42 {
		t.Errorf("DeviceInstance = %d, want 42", dev.DeviceInstance)
	}
}

func TestSetDeviceInstance_Invalid(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.SetDeviceInstance(ctx, "ttyUSB9", 1); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("SetDeviceInstance() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := repo.GetOrCreate(ctx, "ttyUSB0"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := repo.SetDeviceInstance(ctx, "ttyUSB0", -1); err == nil {
		t.Error("SetDeviceInstance() accepted a negative instance")
	}
}

func TestUpdateIdentity_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.UpdateIdentity(context.Background(), "ttyUSB9", "x", "y")
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("UpdateIdentity() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestTouch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "ttyUSB0"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	at := time.Date(2026, 8, 15, 12, 30, 0, 0, time.UTC)
	if err := repo.Touch(ctx, "ttyUSB0", at); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	dev, err := repo.GetByTTY(ctx, "ttyUSB0")
	if err != nil {
		t.Fatalf("GetByTTY() error = %v", err)
	}
	if !dev.LastSeen.Equal(at) {
		t.Errorf("LastSeen = %v, want %v", dev.LastSeen, at)
	}
}

func TestList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, tty := range []string{"ttyUSB0", "ttyUSB1", "ttyACM0"} {
		if _, err := repo.GetOrCreate(ctx, tty); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", tty, err)
		}
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("List() returned %d devices, want 3", len(devices))
	}
	// Ordered by instance
	for i, dev := range devices {
		if dev.DeviceInstance != i {
			t.Errorf("devices[%d].DeviceInstance = %d", i, dev.DeviceInstance)
		}
	}
}

func TestRecordEnergy(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetOrCreate(ctx, "ttyUSB0"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	// First reading of the day seeds the counter
	today, err := repo.RecordEnergy(ctx, "ttyUSB0", "2026-08-15", 150000)
	if err != nil {
		t.Fatalf("RecordEnergy() error = %v", err)
	}
	if today != 0 {
		t.Errorf("first reading today = %d, want 0", today)
	}

	// Later readings report the delta
	today, err = repo.RecordEnergy(ctx, "ttyUSB0", "2026-08-15", 152500)
	if err != nil {
		t.Fatalf("RecordEnergy() error = %v", err)
	}
	if today != 2500 {
		t.Errorf("today = %d, want 2500", today)
	}

	// New day starts a new row
	today, err = repo.RecordEnergy(ctx, "ttyUSB0", "2026-08-16", 153000)
	if err != nil {
		t.Fatalf("RecordEnergy() error = %v", err)
	}
	if today != 0 {
		t.Errorf("new day today = %d, want 0", today)
	}

	// Yesterday's row is preserved
	ed, err := repo.EnergyDay(ctx, "ttyUSB0", "2026-08-15")
	if err != nil {
		t.Fatalf("EnergyDay() error = %v", err)
	}
	if ed.TodayWh != 2500 {
		t.Errorf("yesterday TodayWh = %d, want 2500", ed.TodayWh)
	}
}

func TestRecordEnergy_CounterReset(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.RecordEnergy(ctx, "ttyUSB0", "2026-08-15", 150000); err != nil {
		t.Fatalf("RecordEnergy() error = %v", err)
	}

	// Counter went backwards: reseed instead of negative yield
	today, err := repo.RecordEnergy(ctx, "ttyUSB0", "2026-08-15", 100)
	if err != nil {
		t.Fatalf("RecordEnergy() error = %v", err)
	}
	if today != 0 {
		t.Errorf("today after reset = %d, want 0", today)
	}

	today, err = repo.RecordEnergy(ctx, "ttyUSB0", "2026-08-15", 600)
	if err != nil {
		t.Fatalf("RecordEnergy() error = %v", err)
	}
	if today != 500 {
		t.Errorf("today = %d, want 500", today)
	}
}
