//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager starts, stops and inspects an allowlisted set of systemd units over D-Bus.
// The system bus connection is opened lazily on first use.
type Manager struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	allowed allowList
	closed  bool
}

func New(allowedUnits []string) *Manager {
	return &Manager{allowed: newAllowList(allowedUnits)}
}

func (m *Manager) connLocked(ctx context.Context) (*dbus.Conn, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

type unitOp func(conn *dbus.Conn, ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *Manager) run(ctx context.Context, action, unit string, op unitOp) error {
	name, err := m.allowed.check(unit)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, unit, err)
	}
	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	// Wait for the job result so a failed unit surfaces as an error.
	done := make(chan string, 1)
	if _, err := op(conn, ctx, name+".service", "replace", done); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, name, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("failed to %s %s: job %s", action, name, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.run(ctx, "start", unit, (*dbus.Conn).StartUnitContext)
}

func (m *Manager) Stop(ctx context.Context, unit string) error {
	return m.run(ctx, "stop", unit, (*dbus.Conn).StopUnitContext)
}

func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.run(ctx, "restart", unit, (*dbus.Conn).RestartUnitContext)
}

// Status uses ListUnitsByPatterns for the core state and falls back to the
// unit property map for units systemd does not list.
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	name, err := m.allowed.check(unit)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", unit, err)
	}
	m.mu.Lock()
	conn, err := m.connLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	unitName := name + ".service"
	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unitName})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unitName {
				u = x
				break
			}
		}
		if u.LoadState == "not-found" {
			return notFound(name), nil
		}
		st := &UnitStatus{
			Name:        name,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if props, perr := conn.GetUnitPropertiesContext(ctx, unitName); perr == nil {
			st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
			st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unitName)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(name), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	loadState, _ := props["LoadState"].(string)
	if loadState == "not-found" {
		return notFound(name), nil
	}
	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	desc, _ := props["Description"].(string)
	return &UnitStatus{
		Name:        name,
		Active:      active,
		SubState:    sub,
		LoadState:   loadState,
		Description: desc,
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}, nil
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
