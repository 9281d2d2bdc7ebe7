// Package health decides whether the sidecar's HTTP server is up by probing
// its health path. The same check backs startup readiness, status queries and
// the liveness check done before proxying a request.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrServerStartTimeout is returned when the retry budget runs out before the
// health path answers.
var ErrServerStartTimeout = errors.New("server start timeout")

const DefaultAttemptTimeout = 2 * time.Second

// Prober issues GET requests against Path on a base URL.
type Prober struct {
	Path           string
	Client         *http.Client
	AttemptTimeout time.Duration // per-request bound; zero means DefaultAttemptTimeout
}

func NewProber(path string) *Prober {
	return &Prober{Path: path, Client: &http.Client{}, AttemptTimeout: DefaultAttemptTimeout}
}

// Check performs a single probe. Any 2xx response means alive.
func (p *Prober) Check(ctx context.Context, baseURL string) error {
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, strings.TrimRight(baseURL, "/")+p.Path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health %s: unexpected status %d", p.Path, resp.StatusCode)
	}
	return nil
}

// WaitUntilReady probes up to retries times, pausing delay between attempts.
// It returns nil on the first healthy answer, ErrServerStartTimeout when the
// budget is exhausted, or the context error if ctx ends first.
func (p *Prober) WaitUntilReady(ctx context.Context, baseURL string, retries int, delay time.Duration) error {
	if retries < 1 {
		retries = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(delay)
	b = backoff.WithMaxRetries(b, uint64(retries-1))
	b = backoff.WithContext(b, ctx)

	var last error
	err := backoff.Retry(func() error {
		last = p.Check(ctx, baseURL)
		return last
	}, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrServerStartTimeout, retries, last)
}

func (p *Prober) client() *http.Client {
	if p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}
