package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"taskd/internal/task"
	"taskd/pkg/systemdmanager"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fnHandler(name string, params map[string]any) task.Handler {
	return task.Handler{Type: task.HandlerFunction, Function: &task.FunctionSpec{Name: name, Params: params}}
}

func svcHandler(service, method string, params map[string]any) task.Handler {
	return task.Handler{Type: task.HandlerService, Service: &task.ServiceSpec{Service: service, Method: method, Params: params}}
}

func httpHandler(method, url string) task.Handler {
	return task.Handler{Type: task.HandlerHTTP, HTTP: &task.HTTPSpec{Method: method, URL: url}}
}

func TestRegistryRegisterLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("b", func(context.Context, map[string]any) (any, error) { return 2, nil })
	r.Register("a", func(context.Context, map[string]any) (any, error) { return 1, nil })
	assert.Equal(t, []string{"a", "b"}, r.Names())

	fn, ok := r.Lookup("a")
	require.True(t, ok)
	v, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	r.Register("a", nil)
	_, ok = r.Lookup("a")
	assert.False(t, ok)
}

func TestDispatchFunction(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("echo", func(_ context.Context, p map[string]any) (any, error) { return p["msg"], nil })
	r.Register("boom", func(context.Context, map[string]any) (any, error) { return nil, errors.New("boom") })
	r.Register("panics", func(context.Context, map[string]any) (any, error) { panic("kaput") })
	d := NewDispatcher(r, nil, nil)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, fnHandler("echo", map[string]any{"msg": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Data)
	assert.NotEmpty(t, out.Logs)

	_, err = d.Dispatch(ctx, fnHandler("boom", nil))
	assert.EqualError(t, err, "boom")

	_, err = d.Dispatch(ctx, fnHandler("missing", nil))
	assert.True(t, errors.Is(err, task.ErrUnknownFunction))

	out, err = d.Dispatch(ctx, fnHandler("panics", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
	require.Len(t, out.Logs, 1)
	assert.True(t, strings.HasPrefix(out.Logs[0], "panic stack:"))
}

func TestDispatchRejectsInvalidDescriptor(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil, nil, nil)
	_, err := d.Dispatch(context.Background(), task.Handler{Type: task.HandlerFunction})
	assert.True(t, errors.Is(err, task.ErrInvalidHandler))
}

func TestDispatchHTTP(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotMethod, gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "oops")
	}))
	defer srv.Close()

	d := NewDispatcher(nil, NewHTTPCaller(srv.Client(), time.Second, 0), nil)
	h := httpHandler("post", srv.URL+"/hook")
	h.HTTP.Headers = map[string]string{"X-Token": "t"}
	h.HTTP.Body = `{"a":1}`

	out, err := d.Dispatch(context.Background(), h)
	require.NoError(t, err, "any response status is a success")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "t", gotHeader)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "oops", out.Data)
	require.Len(t, out.Logs, 1)
	assert.Contains(t, out.Logs[0], "500")
}

func TestHTTPCallerTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPCaller(srv.Client(), 50*time.Millisecond, 0)
	_, err := c.Call(context.Background(), task.HTTPSpec{URL: srv.URL})
	require.Error(t, err)
}

func TestHTTPCallerTruncatesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", maxResponseBody+10))
	}))
	defer srv.Close()

	res, err := NewHTTPCaller(srv.Client(), time.Second, 0).Call(context.Background(), task.HTTPSpec{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Body, maxResponseBody)
}

func TestHTTPCallerRateLimitsPerHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewHTTPCaller(srv.Client(), time.Second, 10)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), task.HTTPSpec{URL: srv.URL})
		require.NoError(t, err)
	}
	// burst 1 at 10/s: the 2nd and 3rd calls wait ~100ms each
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

type fakeSweeper struct{ n int64 }

func (f *fakeSweeper) CleanupExpired(context.Context) (int64, error) { return f.n, nil }

type fakePruner struct {
	cutoff time.Time
	n      int64
}

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, nil
}

type fakeUnits struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeUnits) record(op, unit string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+unit)
	f.mu.Unlock()
	if unit == "denied.service" {
		return systemdmanager.ErrNotAllowed
	}
	return nil
}

func (f *fakeUnits) Start(_ context.Context, u string) error   { return f.record("start", u) }
func (f *fakeUnits) Stop(_ context.Context, u string) error    { return f.record("stop", u) }
func (f *fakeUnits) Restart(_ context.Context, u string) error { return f.record("restart", u) }
func (f *fakeUnits) Status(_ context.Context, u string) (*systemdmanager.UnitStatus, error) {
	if err := f.record("status", u); err != nil {
		return nil, err
	}
	return &systemdmanager.UnitStatus{Name: u, Active: "active"}, nil
}

func TestServicesTable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	pruner := &fakePruner{n: 4}
	units := &fakeUnits{}
	svc := NewServices(ServiceDeps{
		Leases:           &fakeSweeper{n: 3},
		History:          pruner,
		Units:            units,
		HistoryRetention: 48 * time.Hour,
		Now:              func() time.Time { return now },
	})
	assert.Equal(t, []string{
		"history.prune", "lease.cleanup",
		"systemd.restart", "systemd.start", "systemd.status", "systemd.stop",
	}, svc.Keys())

	d := NewDispatcher(nil, nil, svc)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, svcHandler("lease", "cleanup", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"released": int64(3)}, out.Data)

	_, err = d.Dispatch(ctx, svcHandler("history", "prune", nil))
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), pruner.cutoff)

	_, err = d.Dispatch(ctx, svcHandler("history", "prune", map[string]any{"older_than_days": float64(7)}))
	require.NoError(t, err)
	assert.Equal(t, now.Add(-7*24*time.Hour), pruner.cutoff)

	_, err = d.Dispatch(ctx, svcHandler("history", "prune", map[string]any{"older_than_days": "seven"}))
	require.Error(t, err)

	pruner.cutoff = time.Time{}
	for _, days := range []any{float64(200000), maxRetentionDays + 1, float64(1e300), 0} {
		_, err = d.Dispatch(ctx, svcHandler("history", "prune", map[string]any{"older_than_days": days}))
		require.Error(t, err, "older_than_days=%v", days)
	}
	assert.True(t, pruner.cutoff.IsZero(), "out of range retention must not reach Prune")

	_, err = d.Dispatch(ctx, svcHandler("history", "prune", map[string]any{"older_than_days": maxRetentionDays}))
	require.NoError(t, err)
	assert.True(t, pruner.cutoff.Before(now))

	_, err = d.Dispatch(ctx, svcHandler("systemd", "restart", map[string]any{"unit": "nginx.service"}))
	require.NoError(t, err)
	out, err = d.Dispatch(ctx, svcHandler("systemd", "status", map[string]any{"unit": "nginx.service"}))
	require.NoError(t, err)
	assert.Equal(t, "active", out.Data.(*systemdmanager.UnitStatus).Active)
	assert.Equal(t, []string{"restart nginx.service", "status nginx.service"}, units.calls)

	_, err = d.Dispatch(ctx, svcHandler("systemd", "stop", map[string]any{"unit": "denied.service"}))
	assert.True(t, errors.Is(err, systemdmanager.ErrNotAllowed))

	_, err = d.Dispatch(ctx, svcHandler("systemd", "start", nil))
	require.Error(t, err)

	_, err = d.Dispatch(ctx, svcHandler("mail", "send", nil))
	assert.True(t, errors.Is(err, task.ErrUnknownService))
}

func TestServicesOmitMissingDeps(t *testing.T) {
	t.Parallel()

	svc := NewServices(ServiceDeps{Leases: &fakeSweeper{}})
	assert.Equal(t, []string{"lease.cleanup"}, svc.Keys())
	_, ok := svc.Lookup("systemd", "start")
	assert.False(t, ok)
	_, ok = svc.Lookup(" Lease ", "CLEANUP")
	assert.True(t, ok)
}
