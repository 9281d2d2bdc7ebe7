// Package portalloc picks a TCP port for the sidecar from a small candidate
// range by probing each port over HTTP.
package portalloc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/sidecar/internal/logger"
)

const DefaultProbeTimeout = 500 * time.Millisecond

// ProbeFunc reports whether port on host is free.
type ProbeFunc func(ctx context.Context, host string, port int) bool

// Allocator scans [start, start+attempts). Probe is replaceable in tests.
type Allocator struct {
	Host    string
	Path    string // HTTP path requested on each candidate
	Timeout time.Duration
	Probe   ProbeFunc
	Logger  *slog.Logger
}

func New(host, path string, timeout time.Duration, l *slog.Logger) *Allocator {
	a := &Allocator{Host: host, Path: path, Timeout: timeout, Logger: logger.OrDefault(l)}
	a.Probe = a.httpProbe
	return a
}

// FindAvailablePort scans with the default HTTP probe against /docs.
func FindAvailablePort(ctx context.Context, host string, start, attempts int) int {
	return New(host, "/docs", DefaultProbeTimeout, nil).FindAvailablePort(ctx, start, attempts)
}

// FindAvailablePort returns the first free candidate. When every candidate is
// occupied it returns start anyway: the allocation is best-effort and the
// child's own bind is the final authority.
func (a *Allocator) FindAvailablePort(ctx context.Context, start, attempts int) int {
	probe := a.Probe
	if probe == nil {
		probe = a.httpProbe
	}
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		port := start + i
		if probe(ctx, a.Host, port) {
			return port
		}
		a.log().Debug("port in use", "port", port)
	}
	a.log().Warn("no free port in range; falling back to preferred port", "start", start, "attempts", attempts)
	return start
}

// httpProbe treats a refused connection as free. A response or any other
// error (timeout, reset) counts as in use, preferring a skipped port over a
// double bind.
func (a *Allocator) httpProbe(ctx context.Context, host string, port int) bool {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + a.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Do(req)
	if err == nil {
		_ = resp.Body.Close()
		return false
	}
	return IsConnRefused(err)
}

// IsConnRefused reports whether err is (or wraps) a refused TCP connection.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func (a *Allocator) log() *slog.Logger { return logger.OrDefault(a.Logger) }
