package serialstarter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheBarnHome/dbus-mppsolar-p18/internal/infrastructure/config"
)

// Stock Venus OS locations. Install applies Root on top of these.
const (
	DefaultUdevRulesPath       = "/etc/udev/rules.d/serial-starter.rules"
	DefaultConfPath            = "/etc/venus/serial-starter.conf"
	DefaultServiceTemplatesDir = "/opt/victronenergy/service-templates"
	DefaultInstallDir          = "/data/dbus-mppsolar-p18"
	DefaultAliasName           = "default"
)

// InstallConfig locates the artifacts Install writes and Verify reads.
type InstallConfig struct {
	// Root is prepended to every path. Empty for a live system; set
	// to a staging directory when building an image.
	Root string

	// Rule is the udev rule to install.
	Rule UdevRule

	// DriverName is the service template (and binary) name mapped to
	// the VE_SERVICE in serial-starter.conf.
	DriverName string

	// AliasName is the serial-starter alias list to extend.
	AliasName string

	UdevRulesPath       string
	ConfPath            string
	ServiceTemplatesDir string
	InstallDir          string
}

// DefaultInstallConfig returns the stock Venus OS layout for the Vevor
// adapter.
func DefaultInstallConfig() InstallConfig {
	return InstallConfig{
		Rule:                DefaultUdevRule(),
		DriverName:          DefaultDriverName,
		AliasName:           DefaultAliasName,
		UdevRulesPath:       DefaultUdevRulesPath,
		ConfPath:            DefaultConfPath,
		ServiceTemplatesDir: DefaultServiceTemplatesDir,
		InstallDir:          DefaultInstallDir,
	}
}

// InstallConfigFrom overlays the non-empty paths from the driver
// configuration's install section onto the stock layout.
func InstallConfigFrom(settings config.InstallConfig) InstallConfig {
	cfg := DefaultInstallConfig()
	if settings.UdevRulePath != "" {
		cfg.UdevRulesPath = settings.UdevRulePath
	}
	if settings.SerialStarterConf != "" {
		cfg.ConfPath = settings.SerialStarterConf
	}
	if settings.ServiceTemplateDir != "" {
		cfg.ServiceTemplatesDir = settings.ServiceTemplateDir
	}
	if settings.DriverDir != "" {
		cfg.InstallDir = settings.DriverDir
	}
	return cfg
}

func (c InstallConfig) path(p string) string {
	return filepath.Join(c.Root, p)
}

// templateDir is where the driver ships its own service template.
func (c InstallConfig) templateDir() string {
	return c.path(filepath.Join(c.InstallDir, "service-templates", c.DriverName))
}

// templateLink is the symlink the serial starter actually reads.
func (c InstallConfig) templateLink() string {
	return c.path(filepath.Join(c.ServiceTemplatesDir, c.DriverName))
}

// Install places all deployment artifacts: udev rule, serial-starter
// registration, service template and its symlink. Safe to run again
// after a partial install or an upgrade.
func Install(cfg InstallConfig) error {
	if err := cfg.Rule.Validate(); err != nil {
		return fmt.Errorf("udev rule: %w", err)
	}
	if cfg.DriverName == "" {
		return fmt.Errorf("driver name is required")
	}

	if err := installUdevRule(cfg); err != nil {
		return fmt.Errorf("udev rule: %w", err)
	}
	if err := installConfEntries(cfg); err != nil {
		return fmt.Errorf("serial-starter.conf: %w", err)
	}
	if err := installServiceTemplate(cfg); err != nil {
		return fmt.Errorf("service template: %w", err)
	}
	return nil
}

// installUdevRule appends the rule to the rules file unless a rule for
// the same VE_SERVICE is already present and identical.
func installUdevRule(cfg InstallConfig) error {
	path := cfg.path(cfg.UdevRulesPath)
	content, err := readIfExists(path)
	if err != nil {
		return err
	}

	want := cfg.Rule.Render()
	if existing, ok := FindRule(content, cfg.Rule.Service); ok {
		if existing == cfg.Rule {
			return nil
		}
		// Rewrite the stale rule line in place.
		lines := splitLines(content)
		for i, line := range lines {
			if r, perr := ParseUdevRule(line); perr == nil && r.Service == cfg.Rule.Service {
				lines[i] = want
			}
		}
		return writeFileAtomic(path, joinLines(lines), 0o644)
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return writeFileAtomic(path, content+want+"\n", 0o644)
}

// installConfEntries adds the service mapping and alias membership.
func installConfEntries(cfg InstallConfig) error {
	path := cfg.path(cfg.ConfPath)
	content, err := readIfExists(path)
	if err != nil {
		return err
	}

	updated := EnsureService(content, cfg.Rule.Service, cfg.DriverName)
	updated = EnsureAlias(updated, cfg.AliasName, cfg.Rule.Service)
	if updated == content {
		return nil
	}
	return writeFileAtomic(path, updated, 0o644)
}

// installServiceTemplate writes the run scripts and points the
// platform service-templates symlink at them.
func installServiceTemplate(cfg InstallConfig) error {
	dir := cfg.templateDir()
	if err := os.MkdirAll(filepath.Join(dir, "log"), 0o755); err != nil {
		return err
	}

	run := fmt.Sprintf("#!/bin/sh\nexec %s/%s -serial \"$1\" 2>&1\n",
		cfg.InstallDir, cfg.DriverName)
	if err := writeFileAtomic(filepath.Join(dir, "run"), run, 0o755); err != nil {
		return err
	}

	logRun := fmt.Sprintf("#!/bin/sh\nexec multilog t s25000 n4 /var/log/%s.\"$1\"\n",
		cfg.DriverName)
	if err := writeFileAtomic(filepath.Join(dir, "log", "run"), logRun, 0o755); err != nil {
		return err
	}

	link := cfg.templateLink()
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	// The link target is the on-device path, not the staged one, so
	// an image built under Root works after flashing.
	target := filepath.Join(cfg.InstallDir, "service-templates", cfg.DriverName)
	if existing, err := os.Readlink(link); err == nil {
		if existing == target {
			return nil
		}
		if err := os.Remove(link); err != nil {
			return err
		}
	} else if _, serr := os.Lstat(link); serr == nil {
		// Present but not a symlink; replace it.
		if err := os.RemoveAll(link); err != nil {
			return err
		}
	}
	return os.Symlink(target, link)
}

func readIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a half-written system config behind.
func writeFileAtomic(path, content string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
