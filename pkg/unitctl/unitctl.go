// Package unitctl drives systemd units over D-Bus for the systemd job kind.
package unitctl

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnsupported = errors.New("unitctl: systemd is only available on linux")
	ErrNoSuchUnit  = errors.New("unitctl: no such unit")
	ErrJobFailed   = errors.New("unitctl: systemd job did not complete")
)

type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionStatus  Action = "status"
)

// ParseAction accepts an action name case-insensitively. Empty means status.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionStatus, nil
	case ActionStart, ActionStop, ActionRestart, ActionReload, ActionStatus:
		return a, nil
	default:
		return "", errors.Newf("unitctl: unknown action %q", s)
	}
}

// Status is a snapshot of a unit's state.
type Status struct {
	Unit        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	ActiveSince time.Time
	StateChange time.Time
}

// UnitName appends ".service" when name carries no unit type suffix.
func UnitName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("unitctl: unit name is required")
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return "", errors.Newf("unitctl: invalid unit name %q", name)
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 && i < len(name)-1 {
		switch name[i+1:] {
		case "service", "socket", "target", "timer", "mount", "path", "slice", "scope":
			return name, nil
		}
	}
	return name + ".service", nil
}

// systemd reports org.freedesktop.systemd1.NoSuchUnit for unknown units.
func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
