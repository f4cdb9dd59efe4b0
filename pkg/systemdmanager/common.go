package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrNotAllowed  = errors.New("systemdmanager: unit not in allowed list")
	ErrClosed      = errors.New("systemdmanager: connection is closed")
)

// UnitStatus is the state of one service unit.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`     // active, inactive, failed, ...
	SubState    string    `json:"sub_state"`  // running, dead, ...
	LoadState   string    `json:"load_state"` // loaded, not-found, ...
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitempty"`
	StateChange time.Time `json:"state_change,omitempty"`
}

// allowList holds the unit names a manager may operate on.
// Names are stored without the ".service" suffix.
type allowList map[string]struct{}

func newAllowList(units []string) allowList {
	a := allowList{}
	for _, u := range units {
		if n := unitBase(u); n != "" {
			a[n] = struct{}{}
		}
	}
	return a
}

func (a allowList) check(unit string) (string, error) {
	n := unitBase(unit)
	if n == "" {
		return "", ErrNotAllowed
	}
	if _, ok := a[n]; !ok {
		return "", ErrNotAllowed
	}
	return n, nil
}

func unitBase(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), ".service")
}

func notFound(name string) *UnitStatus {
	return &UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}
