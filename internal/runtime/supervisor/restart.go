package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "taskd/pkg/logx"
)

// A run that lasted this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minWait     time.Duration
	maxWait     time.Duration
	maxRestarts int // 0 means unlimited
	publish     bool
}

// WithRestartBackoff sets the bounds of the doubling wait between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minWait = min
		}
		if max > 0 {
			p.maxWait = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure in Err even when the loop
// recovers afterwards.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// jitter adds up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	if d < 5 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/5)))
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after an error or panic.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minWait: 250 * time.Millisecond, maxWait: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	p.maxWait = max(p.maxWait, p.minWait)

	s.spawn(name, func() {
		wait := p.minWait
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			if p.publish {
				s.record(err)
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			if time.Since(began) >= stableRun {
				wait = p.minWait
			}

			d := jitter(wait)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", d), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(d):
			}
			wait = min(wait*2, p.maxWait)
		}
	})
}

// GoEvery calls fn on every tick of interval. A failed tick is logged and
// the next one still runs.
func (s *Supervisor) GoEvery(name string, interval time.Duration, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil || interval <= 0 {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
			}
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("periodic run failed", logx.String("name", name), logx.Err(err))
			}
		}
	}, opts...)
}
