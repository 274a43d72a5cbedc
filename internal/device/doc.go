// Package device persists per-port inverter identity and energy
// accounting.
//
// The driver is launched by serial-starter with nothing but a tty
// path, so everything it needs to present a stable bus identity --
// product name override, device instance, serial number, firmware --
// is keyed by tty and stored in SQLite on the data partition.
//
// # Responsibilities
//
//   - Device registry: one row per tty the driver has attached to,
//     created on first contact and refreshed from the inverter's ID
//     and VFW queries on every startup.
//   - Product name overrides: installers rename units (e.g. "Shed
//     Inverter") and the override survives restarts and replugs.
//   - Daily energy accounting: the inverter only exposes a lifetime
//     Wh counter; midnight snapshots turn it into per-day yield.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	dev, err := repo.GetOrCreate(ctx, "ttyUSB0")
//	...
//	repo.UpdateIdentity(ctx, "ttyUSB0", identity.SerialNumber, identity.MainCPUFirmware)
package device
