// vevor-install - deployment tool for the PI18 inverter driver
//
// Installs (or verifies) the artifacts that hook the driver into the
// Venus OS serial starter: the udev rule for the Vevor USB adapter,
// the serial-starter.conf registration and the service-template
// layout.
//
// Usage:
//
//	vevor-install              install onto the running system
//	vevor-install -root DIR    install into a staging root (image build)
//	vevor-install -check       verify only, exit 1 on inconsistency
//
// Paths come from the driver configuration's install section when a
// config file is present; flags override both.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/config"
	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/serialstarter"
)

const defaultConfigPath = "/data/etc/dbus-mppsolar-p18/config.yaml"

func main() {
	var (
		root       = flag.String("root", "", "prefix paths with this staging root")
		check      = flag.Bool("check", false, "verify the installation without modifying anything")
		configPath = flag.String("config", "", "driver configuration file (install paths)")
		driverDir  = flag.String("driver-dir", "", "driver installation directory (overrides config)")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("MPPSOLAR_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}
	fileCfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading %s: %v\n", path, err)
		os.Exit(1)
	}

	cfg := serialstarter.InstallConfigFrom(fileCfg.Install)
	cfg.Root = *root
	if *driverDir != "" {
		cfg.InstallDir = *driverDir
	}

	if err := run(cfg, *check); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg serialstarter.InstallConfig, checkOnly bool) error {
	if !checkOnly {
		if err := serialstarter.Install(cfg); err != nil {
			return fmt.Errorf("install: %w", err)
		}
		fmt.Println("installed:")
		fmt.Printf("  udev rule      %s\n", cfg.UdevRulesPath)
		fmt.Printf("  serial starter %s (service %s)\n", cfg.ConfPath, cfg.Rule.Service)
		fmt.Printf("  template link  %s/%s\n", cfg.ServiceTemplatesDir, cfg.DriverName)
	}

	problems, err := serialstarter.Verify(cfg)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "problem: %s\n", p)
		}
		return fmt.Errorf("%d consistency problem(s)", len(problems))
	}

	fmt.Println("installation consistent")
	return nil
}
