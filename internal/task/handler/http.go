package handler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"taskd/internal/task"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const maxResponseBody = 1 << 20

// HTTPCaller issues the request described by an http handler.
// Any response status is a success; transport errors and timeouts are failures.
type HTTPCaller struct {
	client         *http.Client
	defaultTimeout time.Duration

	// per-host outbound limiter; nil when rate limiting is off
	rps      rate.Limit
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// HTTPResult is the data of a successful http attempt.
type HTTPResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// NewHTTPCaller builds a caller. defaultTimeout <= 0 means 30s; ratePerSec <= 0
// disables the per-host limiter.
func NewHTTPCaller(client *http.Client, defaultTimeout time.Duration, ratePerSec int) *HTTPCaller {
	if client == nil {
		client = &http.Client{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	c := &HTTPCaller{client: client, defaultTimeout: defaultTimeout}
	if ratePerSec > 0 {
		c.rps = rate.Limit(ratePerSec)
		c.limiters = map[string]*rate.Limiter{}
	}
	return c
}

func (c *HTTPCaller) limiter(host string) *rate.Limiter {
	if c.limiters == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.limiters[host]
	if l == nil {
		l = rate.NewLimiter(c.rps, 1)
		c.limiters[host] = l
	}
	return l
}

func (c *HTTPCaller) Call(ctx context.Context, spec task.HTTPSpec) (HTTPResult, error) {
	timeout := c.defaultTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(spec.URL)
	if err != nil {
		return HTTPResult{}, errors.Wrap(task.ErrInvalidHandler, err.Error())
	}

	if l := c.limiter(u.Host); l != nil {
		if err := l.Wait(ctx); err != nil {
			return HTTPResult{}, errors.Wrapf(err, "rate limit wait for %s", u.Host)
		}
	}

	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return HTTPResult{}, errors.Wrap(err, "build request")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return HTTPResult{}, errors.Wrapf(err, "%s %s", method, u.Redacted())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return HTTPResult{}, errors.Wrap(err, "read response body")
	}
	res := HTTPResult{StatusCode: resp.StatusCode}
	if len(b) > maxResponseBody {
		b = b[:maxResponseBody]
		res.Truncated = true
	}
	res.Body = string(b)
	return res, nil
}
