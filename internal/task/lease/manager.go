package lease

import (
	"context"
	"database/sql"
	"time"

	"taskd/internal/storage"
	logx "taskd/pkg/logx"

	"github.com/cockroachdb/errors"
)

var errHeld = errors.New("lease held")

// Manager acquires and releases task leases on behalf of one node.
//
// Every mutation runs in a single IMMEDIATE transaction that re-checks state
// before writing. Database errors are logged and reported as "not acquired" /
// "not released": a failure never grants a lease.
type Manager struct {
	db     *sql.DB
	nodeID string
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithClock overrides the time source. Tests use it to expire leases.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(db *sql.DB, nodeID string, opts ...Option) *Manager {
	m := &Manager{db: db, nodeID: nodeID, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "lease"), logx.String("node", nodeID))
	return m
}

func (m *Manager) NodeID() string { return m.nodeID }

// Acquire takes the lease on key for ttl.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	return m.AcquireNote(ctx, key, ttl, "")
}

// AcquireNote is Acquire with a free-text note stored in the lease context column.
func (m *Manager) AcquireNote(ctx context.Context, key string, ttl time.Duration, note string) bool {
	if key == "" || ttl <= 0 {
		return false
	}
	now := m.now()
	nowMs := storage.Millis(now)

	acquired := false
	err := storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if n, err := sweepExpired(ctx, tx, nowMs); err != nil {
			return err
		} else if n > 0 {
			m.log.Debug("expired leases reclaimed", logx.Int64("count", n))
		}

		held, err := hasValid(ctx, tx, key, nowMs)
		if err != nil {
			return err
		}
		if held {
			// Commit the sweep; the lease itself is simply not ours.
			return nil
		}

		err = insertAcquired(ctx, tx, Lease{
			TaskKey:    key,
			NodeID:     m.nodeID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			Context:    note,
		})
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return errHeld
			}
			return errors.Wrap(err, "insert lease")
		}
		acquired = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, errHeld) {
			m.log.Warn("lease acquire failed", logx.String("key", key), logx.Err(err))
		}
		return false
	}
	if acquired {
		m.log.Debug("lease acquired", logx.String("key", key), logx.Duration("ttl", ttl))
	}
	return acquired
}

// Release gives up this node's lease on key. It reports false when no owned
// acquired lease exists, e.g. after expiry and reclaim by another node.
func (m *Manager) Release(ctx context.Context, key string) bool {
	nowMs := storage.Millis(m.now())
	var n int64
	err := storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		n, err = releaseOwned(ctx, tx, key, m.nodeID, nowMs)
		return err
	})
	if err != nil {
		m.log.Warn("lease release failed", logx.String("key", key), logx.Err(err))
		return false
	}
	if n == 0 {
		m.log.Debug("no owned lease to release", logx.String("key", key))
		return false
	}
	m.log.Debug("lease released", logx.String("key", key))
	return true
}

// Extend moves the expiry of this node's unexpired lease to now+ttl.
func (m *Manager) Extend(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	now := m.now()
	var n int64
	err := storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		n, err = extendOwned(ctx, tx, key, m.nodeID, storage.Millis(now), storage.Millis(now.Add(ttl)))
		return err
	})
	if err != nil {
		m.log.Warn("lease extend failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return n == 1
}

// IsLocked reports whether any node holds an unexpired lease on key.
func (m *Manager) IsLocked(ctx context.Context, key string) bool {
	held, err := hasValid(ctx, m.db, key, storage.Millis(m.now()))
	if err != nil {
		m.log.Warn("lease check failed", logx.String("key", key), logx.Err(err))
		return false
	}
	return held
}

// Holder returns the current unexpired lease on key, if any.
func (m *Manager) Holder(ctx context.Context, key string) (Lease, bool, error) {
	return currentHolder(ctx, m.db, key, storage.Millis(m.now()))
}

// CleanupExpired releases every expired lease and returns how many it released.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	nowMs := storage.Millis(m.now())
	var n int64
	err := storage.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		n, err = sweepExpired(ctx, tx, nowMs)
		return err
	})
	if err != nil {
		m.log.Warn("lease sweep failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		m.log.Info("expired leases released", logx.Int64("count", n))
	}
	return n, nil
}
