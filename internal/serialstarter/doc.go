// Package serialstarter renders, installs and verifies the deployment
// artifacts that hook the driver into the Venus OS serial starter:
//
//   - the udev rule tagging the inverter's USB adapter with a
//     VE_SERVICE name
//   - the service and alias entries in /etc/venus/serial-starter.conf
//   - the service-template directory and its symlink, from which the
//     serial starter spawns one driver instance per matched port
//
// All three artifacts must agree on the service name or the starter
// never launches the driver; Verify checks that consistency without
// touching the system. Install is idempotent and accepts a root
// prefix for staging into an image build.
package serialstarter
