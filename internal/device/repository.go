package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence operations the driver needs.
// This abstraction allows for different implementations (SQLite, mock)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByTTY retrieves a device by its port identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByTTY(ctx context.Context, tty string) (*Device, error)

	// GetOrCreate retrieves a device, registering it with defaults on
	// first contact. New devices get the lowest free device instance.
	GetOrCreate(ctx context.Context, tty string) (*Device, error)

	// List retrieves all registered devices.
	List(ctx context.Context) ([]Device, error)

	// SetProductName stores an installer-facing name override.
	SetProductName(ctx context.Context, tty, name string) error

	// SetDeviceInstance pins the device instance published on the bus.
	SetDeviceInstance(ctx context.Context, tty string, instance int) error

	// UpdateIdentity stores the serial number and firmware read from
	// the inverter at startup.
	UpdateIdentity(ctx context.Context, tty, serialNumber, firmware string) error

	// Touch records a successful poll.
	Touch(ctx context.Context, tty string, at time.Time) error

	// EnergyDay retrieves one day's accounting row.
	// Returns ErrDeviceNotFound if no row exists for that day.
	EnergyDay(ctx context.Context, tty, day string) (*EnergyDay, error)

	// RecordEnergy updates daily accounting from a lifetime counter
	// reading, opening a new day row at the first poll after midnight.
	// Returns the watt-hours generated so far today.
	RecordEnergy(ctx context.Context, tty, day string, totalWh int64) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the
// schema migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByTTY retrieves a device by its port identifier.
func (r *SQLiteRepository) GetByTTY(ctx context.Context, tty string) (*Device, error) {
	if err := validateTTY(tty); err != nil {
		return nil, err
	}

	query := `
		SELECT tty, product_name, device_instance, serial_number, firmware, last_seen
		FROM devices
		WHERE tty = ?`

	dev, err := scanDevice(r.db.QueryRowContext(ctx, query, tty))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by tty: %w", err)
	}
	return dev, nil
}

// GetOrCreate retrieves a device, registering it on first contact.
func (r *SQLiteRepository) GetOrCreate(ctx context.Context, tty string) (*Device, error) {
	dev, err := r.GetByTTY(ctx, tty)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	// Allocate the lowest free instance. COALESCE handles the empty
	// table, where MAX returns NULL.
	var next int
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(device_instance) + 1, 0) FROM devices`,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("allocating device instance: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO devices (tty, device_instance) VALUES (?, ?)`,
		tty, next,
	)
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}

	return &Device{TTY: tty, DeviceInstance: next}, nil
}

// List retrieves all registered devices ordered by instance.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `
		SELECT tty, product_name, device_instance, serial_number, firmware, last_seen
		FROM devices
		ORDER BY device_instance`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// SetProductName stores a name override for a tty.
func (r *SQLiteRepository) SetProductName(ctx context.Context, tty, name string) error {
	if err := validateTTY(tty); err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET product_name = ? WHERE tty = ?`,
		name, tty,
	)
	if err != nil {
		return fmt.Errorf("setting product name: %w", err)
	}
	return requireRow(result)
}

// SetDeviceInstance pins the device instance for a tty.
func (r *SQLiteRepository) SetDeviceInstance(ctx context.Context, tty string, instance int) error {
	if err := validateTTY(tty); err != nil {
		return err
	}
	if instance < 0 {
		return fmt.Errorf("negative device instance %d", instance)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET device_instance = ? WHERE tty = ?`,
		instance, tty,
	)
	if err != nil {
		return fmt.Errorf("setting device instance: %w", err)
	}
	return requireRow(result)
}

// UpdateIdentity stores serial number and firmware version.
func (r *SQLiteRepository) UpdateIdentity(ctx context.Context, tty, serialNumber, firmware string) error {
	if err := validateTTY(tty); err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET serial_number = ?, firmware = ? WHERE tty = ?`,
		serialNumber, firmware, tty,
	)
	if err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	return requireRow(result)
}

// Touch records a successful poll timestamp.
func (r *SQLiteRepository) Touch(ctx context.Context, tty string, at time.Time) error {
	if err := validateTTY(tty); err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE tty = ?`,
		at.UTC().Format(time.RFC3339), tty,
	)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return requireRow(result)
}

// EnergyDay retrieves one day's accounting row.
func (r *SQLiteRepository) EnergyDay(ctx context.Context, tty, day string) (*EnergyDay, error) {
	if err := validateTTY(tty); err != nil {
		return nil, err
	}

	var ed EnergyDay
	err := r.db.QueryRowContext(ctx,
		`SELECT tty, day, start_wh, today_wh FROM energy_daily WHERE tty = ? AND day = ?`,
		tty, day,
	).Scan(&ed.TTY, &ed.Day, &ed.StartWh, &ed.TodayWh)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying energy day: %w", err)
	}
	return &ed, nil
}

// RecordEnergy updates daily accounting from a lifetime counter reading.
//
// The first reading of a day seeds start_wh; later readings update
// today_wh as the delta. A counter that went backwards (inverter
// replaced, counter reset) reseeds the day rather than reporting
// negative yield.
func (r *SQLiteRepository) RecordEnergy(ctx context.Context, tty, day string, totalWh int64) (int64, error) {
	if err := validateTTY(tty); err != nil {
		return 0, err
	}

	ed, err := r.EnergyDay(ctx, tty, day)
	if errors.Is(err, ErrDeviceNotFound) {
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO energy_daily (tty, day, start_wh, today_wh) VALUES (?, ?, ?, 0)`,
			tty, day, totalWh,
		)
		if err != nil {
			return 0, fmt.Errorf("opening energy day: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	today := totalWh - ed.StartWh
	if today < 0 {
		// Counter reset: reseed
		_, err = r.db.ExecContext(ctx,
			`UPDATE energy_daily SET start_wh = ?, today_wh = 0 WHERE tty = ? AND day = ?`,
			totalWh, tty, day,
		)
		if err != nil {
			return 0, fmt.Errorf("reseeding energy day: %w", err)
		}
		return 0, nil
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE energy_daily SET today_wh = ? WHERE tty = ? AND day = ?`,
		today, tty, day,
	)
	if err != nil {
		return 0, fmt.Errorf("updating energy day: %w", err)
	}
	return today, nil
}

// scanner abstracts sql.Row and sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanDevice reads one devices row.
func scanDevice(s scanner) (*Device, error) {
	var dev Device
	var lastSeen string

	if err := s.Scan(
		&dev.TTY,
		&dev.ProductName,
		&dev.DeviceInstance,
		&dev.SerialNumber,
		&dev.Firmware,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	if lastSeen != "" {
		// Format is controlled by Touch; ignore parse errors
		dev.LastSeen, _ = time.Parse(time.RFC3339, lastSeen) //nolint:errcheck
	}
	return &dev, nil
}

// requireRow converts a zero-row UPDATE into ErrDeviceNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// validateTTY rejects empty identifiers and path traversal. The tty
// is interpolated into bus topic names, so it must stay a bare name.
func validateTTY(tty string) error {
	if tty == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTTY)
	}
	if strings.ContainsAny(tty, "/\\ \t#+") {
		return fmt.Errorf("%w: %q", ErrInvalidTTY, tty)
	}
	return nil
}
