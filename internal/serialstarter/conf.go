package serialstarter

import (
	"fmt"
	"strings"
)

// defaultAliasMembers is the stock Venus OS "default" alias list. The
// installer appends to whatever list is present; these are only used
// when the conf has no alias line at all.
const defaultAliasMembers = "gps:vedirect"

// ServiceLine renders the serial-starter.conf entry mapping a
// VE_SERVICE name to a service template directory.
func ServiceLine(service, program string) string {
	return fmt.Sprintf("service %s %s", service, program)
}

// EnsureService returns conf content with the service entry present,
// adding it after the last existing service line (or at the end).
// Idempotent: an existing mapping for the same service name is left
// untouched if it already points at program, and rewritten otherwise.
func EnsureService(content, service, program string) string {
	lines := splitLines(content)
	want := ServiceLine(service, program)

	lastService := -1
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "service" {
			lastService = i
			if fields[1] == service {
				if strings.TrimSpace(line) == want {
					return content
				}
				lines[i] = want
				return joinLines(lines)
			}
		}
	}

	if lastService >= 0 {
		lines = append(lines[:lastService+1], append([]string{want}, lines[lastService+1:]...)...)
	} else {
		lines = appendLine(lines, want)
	}
	return joinLines(lines)
}

// EnsureAlias returns conf content with service included in the named
// alias list, creating the alias line if missing. Idempotent.
//
// The serial starter's alias syntax is colon separated:
//
//	alias default gps:vedirect:vevor
func EnsureAlias(content, alias, service string) string {
	lines := splitLines(content)
	prefix := "alias " + alias + " "

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		members := strings.Split(strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)), ":")
		for _, m := range members {
			if m == service {
				return content
			}
		}
		members = append(members, service)
		lines[i] = prefix + strings.Join(members, ":")
		return joinLines(lines)
	}

	return joinLines(appendLine(lines, prefix+defaultAliasMembers+":"+service))
}

// AliasMembers returns the members of the named alias list, or nil if
// the conf has no such alias.
func AliasMembers(content, alias string) []string {
	prefix := "alias " + alias + " "
	for _, line := range splitLines(content) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			return strings.Split(strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)), ":")
		}
	}
	return nil
}

// ServiceProgram returns the program mapped to a service name, or ""
// if the conf has no such entry.
func ServiceProgram(content, service string) string {
	for _, line := range splitLines(content) {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "service" && fields[1] == service {
			return fields[2]
		}
	}
	return ""
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

func appendLine(lines []string, line string) []string {
	return append(lines, line)
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}
