//go:build !linux

package systemdmanager

import (
	"context"
	"fmt"
)

// Manager is the non-linux stand-in: allowlist checks still apply, every
// operation then reports ErrUnsupported.
type Manager struct {
	allowed allowList
}

func New(allowedUnits []string) *Manager {
	return &Manager{allowed: newAllowList(allowedUnits)}
}

func (m *Manager) Close() error { return nil }

func (m *Manager) op(action, unit string) error {
	if _, err := m.allowed.check(unit); err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}
	return ErrUnsupported
}

func (m *Manager) Start(ctx context.Context, unit string) error   { return m.op("start", unit) }
func (m *Manager) Stop(ctx context.Context, unit string) error    { return m.op("stop", unit) }
func (m *Manager) Restart(ctx context.Context, unit string) error { return m.op("restart", unit) }

func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	return nil, m.op("status", unit)
}
