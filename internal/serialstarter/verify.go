package serialstarter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Problem is one consistency failure found by Verify.
type Problem struct {
	// Artifact names the file or link at fault.
	Artifact string

	// Detail describes the inconsistency.
	Detail string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Artifact, p.Detail)
}

// Verify checks that the installed artifacts exist and agree with each
// other: the udev rule's VE_SERVICE must match the conf's service
// entry and alias membership, the service entry must point at the
// driver's template, and the template must be runnable. Verify never
// modifies anything.
//
// Returns:
//   - []Problem: empty when the installation is consistent
//   - error: only for I/O failures other than missing files (missing
//     files are Problems, not errors)
func Verify(cfg InstallConfig) ([]Problem, error) {
	var problems []Problem
	add := func(artifact, format string, args ...any) {
		problems = append(problems, Problem{Artifact: artifact, Detail: fmt.Sprintf(format, args...)})
	}

	// udev rule
	udevPath := cfg.path(cfg.UdevRulesPath)
	udevContent, err := readIfExists(udevPath)
	if err != nil {
		return nil, err
	}
	rule, ruleFound := FindRule(udevContent, cfg.Rule.Service)
	switch {
	case udevContent == "":
		add(cfg.UdevRulesPath, "missing")
	case !ruleFound:
		add(cfg.UdevRulesPath, "no rule assigns VE_SERVICE=%q", cfg.Rule.Service)
	default:
		if rule.VendorID != cfg.Rule.VendorID {
			add(cfg.UdevRulesPath, "vendor id %q, want %q", rule.VendorID, cfg.Rule.VendorID)
		}
		if rule.USBSerial != cfg.Rule.USBSerial {
			add(cfg.UdevRulesPath, "usb serial %q, want %q", rule.USBSerial, cfg.Rule.USBSerial)
		}
	}

	// serial-starter.conf
	confContent, err := readIfExists(cfg.path(cfg.ConfPath))
	if err != nil {
		return nil, err
	}
	if confContent == "" {
		add(cfg.ConfPath, "missing")
	} else {
		program := ServiceProgram(confContent, cfg.Rule.Service)
		switch {
		case program == "":
			add(cfg.ConfPath, "no service entry for %q", cfg.Rule.Service)
		case program != cfg.DriverName:
			add(cfg.ConfPath, "service %q runs %q, want %q", cfg.Rule.Service, program, cfg.DriverName)
		}

		members := AliasMembers(confContent, cfg.AliasName)
		if members == nil {
			add(cfg.ConfPath, "no alias %q", cfg.AliasName)
		} else if !contains(members, cfg.Rule.Service) {
			add(cfg.ConfPath, "alias %q (%s) does not include %q",
				cfg.AliasName, strings.Join(members, ":"), cfg.Rule.Service)
		}
	}

	// service template symlink and run script
	link := cfg.templateLink()
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			add(filepath.Join(cfg.ServiceTemplatesDir, cfg.DriverName), "symlink missing")
		} else {
			add(filepath.Join(cfg.ServiceTemplatesDir, cfg.DriverName), "not a symlink: %v", err)
		}
	} else {
		wantTarget := filepath.Join(cfg.InstallDir, "service-templates", cfg.DriverName)
		if target != wantTarget {
			add(filepath.Join(cfg.ServiceTemplatesDir, cfg.DriverName),
				"symlink points at %q, want %q", target, wantTarget)
		}
		runPath := filepath.Join(cfg.path(target), "run")
		info, serr := os.Stat(runPath)
		switch {
		case serr != nil:
			add(filepath.Join(wantTarget, "run"), "missing")
		case info.Mode()&0o111 == 0:
			add(filepath.Join(wantTarget, "run"), "not executable (%v)", info.Mode())
		}
	}

	return problems, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
