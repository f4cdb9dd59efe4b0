package handler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"taskd/pkg/systemdmanager"

	"github.com/cockroachdb/errors"
)

// maxRetentionDays keeps days*24h within time.Duration.
const maxRetentionDays = int(math.MaxInt64 / (24 * time.Hour))

// ServiceFunc is one entry of the service dispatch table.
type ServiceFunc func(ctx context.Context, params map[string]any) (any, error)

type LeaseSweeper interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

type HistoryPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type UnitController interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (*systemdmanager.UnitStatus, error)
}

// ServiceDeps wires the built-in services. A nil dependency leaves its
// service out of the table.
type ServiceDeps struct {
	Leases           LeaseSweeper
	History          HistoryPruner
	Units            UnitController
	HistoryRetention time.Duration
	Now              func() time.Time
}

// Services is the fixed (service, method) dispatch table.
type Services struct {
	table map[string]ServiceFunc
}

func serviceKey(service, method string) string {
	return strings.ToLower(strings.TrimSpace(service)) + "." + strings.ToLower(strings.TrimSpace(method))
}

func NewServices(deps ServiceDeps) *Services {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Services{table: map[string]ServiceFunc{}}

	if deps.Leases != nil {
		s.table[serviceKey("lease", "cleanup")] = func(ctx context.Context, _ map[string]any) (any, error) {
			n, err := deps.Leases.CleanupExpired(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"released": n}, nil
		}
	}

	if deps.History != nil {
		retention := deps.HistoryRetention
		if retention <= 0 {
			retention = 30 * 24 * time.Hour
		}
		s.table[serviceKey("history", "prune")] = func(ctx context.Context, params map[string]any) (any, error) {
			keep := retention
			if days, ok, err := intParam(params, "older_than_days"); err != nil {
				return nil, err
			} else if ok {
				if days <= 0 || days > maxRetentionDays {
					return nil, errors.Newf("older_than_days must be in 1..%d (got %d)", maxRetentionDays, days)
				}
				keep = time.Duration(days) * 24 * time.Hour
			}
			cutoff := now().Add(-keep)
			n, err := deps.History.Prune(ctx, cutoff)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}, nil
		}
	}

	if deps.Units != nil {
		unitAction := func(op func(context.Context, string) error) ServiceFunc {
			return func(ctx context.Context, params map[string]any) (any, error) {
				unit, err := stringParam(params, "unit")
				if err != nil {
					return nil, err
				}
				if err := op(ctx, unit); err != nil {
					return nil, err
				}
				return map[string]any{"unit": unit, "ok": true}, nil
			}
		}
		s.table[serviceKey("systemd", "start")] = unitAction(deps.Units.Start)
		s.table[serviceKey("systemd", "stop")] = unitAction(deps.Units.Stop)
		s.table[serviceKey("systemd", "restart")] = unitAction(deps.Units.Restart)
		s.table[serviceKey("systemd", "status")] = func(ctx context.Context, params map[string]any) (any, error) {
			unit, err := stringParam(params, "unit")
			if err != nil {
				return nil, err
			}
			return deps.Units.Status(ctx, unit)
		}
	}
	return s
}

func (s *Services) Lookup(service, method string) (ServiceFunc, bool) {
	if s == nil {
		return nil, false
	}
	fn, ok := s.table[serviceKey(service, method)]
	return fn, ok
}

// Keys lists "service.method" entries, sorted.
func (s *Services) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.table))
	for k := range s.table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", errors.Newf("param %q is required", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", errors.Newf("param %q must be a non-empty string", key)
	}
	return strings.TrimSpace(s), nil
}

// intParam accepts JSON numbers (float64) and Go ints.
func intParam(params map[string]any, key string) (int, bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false, errors.Newf("param %q must be an integer", key)
		}
		if n >= math.MaxInt || n <= math.MinInt {
			return 0, false, errors.Newf("param %q is out of range", key)
		}
		return int(n), true, nil
	default:
		return 0, false, errors.Newf("param %q must be a number (got %s)", key, fmt.Sprintf("%T", v))
	}
}
