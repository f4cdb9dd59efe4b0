package systemdmanager

import (
	"context"
	"errors"
	"testing"
)

func TestAllowListNormalizesSuffix(t *testing.T) {
	a := newAllowList([]string{"nginx.service", " redis ", ""})

	for _, unit := range []string{"nginx", "nginx.service", "redis.service"} {
		if _, err := a.check(unit); err != nil {
			t.Fatalf("check(%q) = %v, want allowed", unit, err)
		}
	}
	for _, unit := range []string{"", "sshd", ".service"} {
		if _, err := a.check(unit); !errors.Is(err, ErrNotAllowed) {
			t.Fatalf("check(%q) = %v, want ErrNotAllowed", unit, err)
		}
	}
}

func TestManagerRejectsUnlistedUnitBeforeConnecting(t *testing.T) {
	m := New([]string{"nginx"})
	defer m.Close()

	// Must fail on the allowlist without touching the system bus.
	if err := m.Restart(context.Background(), "sshd"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("Restart(sshd) = %v, want ErrNotAllowed", err)
	}
	if _, err := m.Status(context.Background(), "sshd"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("Status(sshd) = %v, want ErrNotAllowed", err)
	}
}
