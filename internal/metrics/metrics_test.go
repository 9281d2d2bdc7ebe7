package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second Register is a no-op")
	return reg
}

func TestRegisterAndCounters(t *testing.T) {
	reg := freshRegistry(t)

	before := testutil.ToFloat64(processStarts.WithLabelValues("svc"))
	IncStart("svc")
	IncStart("svc")
	IncStartFailure("svc", "timeout")
	IncRestart("svc")
	IncStop("svc")
	ObserveReadiness("svc", 0.75)
	SetPort("svc", 8001)
	IncReapStep("pid-record", "success")

	assert.Equal(t, before+2, testutil.ToFloat64(processStarts.WithLabelValues("svc")))
	assert.Equal(t, 8001.0, testutil.ToFloat64(listenPort.WithLabelValues("svc")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = len(mf.GetMetric()) > 0
	}
	for _, n := range []string{
		"sidecar_process_starts_total",
		"sidecar_process_start_failures_total",
		"sidecar_process_restarts_total",
		"sidecar_process_stops_total",
		"sidecar_process_readiness_duration_seconds",
		"sidecar_process_port",
		"sidecar_reaper_steps_total",
	} {
		assert.True(t, names[n], "missing metric %s", n)
	}
}

func TestSetCurrentState(t *testing.T) {
	freshRegistry(t)
	all := []string{"stopped", "starting", "ready", "stopping"}
	SetCurrentState("svc", "ready", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("svc", "ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("svc", "stopped")))

	SetCurrentState("svc", "stopping", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("svc", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("svc", "stopping")))

	before := testutil.ToFloat64(stateTransitions.WithLabelValues("svc", "ready", "stopping"))
	RecordStateTransition("svc", "ready", "stopping")
	assert.Equal(t, before+1, testutil.ToFloat64(stateTransitions.WithLabelValues("svc", "ready", "stopping")))
}

func TestHandlerForServesMetrics(t *testing.T) {
	reg := freshRegistry(t)
	IncStart("x")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "sidecar_process_starts_total"))
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestart("c")
			IncStop("c")
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestHelpersBeforeRegister(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	IncStart("t")
	IncStartFailure("t", "x")
	IncRestart("t")
	IncStop("t")
	ObserveReadiness("t", 1)
	SetPort("t", 1)
	RecordStateTransition("t", "a", "b")
	SetCurrentState("t", "a", []string{"a"})
	IncReapStep("s", "fail")
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error  { return errors.New("test registration error") }
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestRegisterError(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	err := Register(errorRegisterer{})
	require.EqualError(t, err, "test registration error")
	assert.False(t, regOK.Load())
}

func TestResourceSampler_SelfProcess(t *testing.T) {
	s := NewResourceSampler("svc", 10*time.Millisecond, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.Register(reg))
	require.NoError(t, s.Register(reg))

	s.SampleOnce(context.Background(), os.Getpid())
	u := s.Latest()
	require.NotNil(t, u)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.Positive(t, u.MemoryRSS)
	assert.Greater(t, testutil.ToFloat64(s.memory), 0.0)

	s.SampleOnce(context.Background(), 0)
	assert.Nil(t, s.Latest())
	assert.Equal(t, 0.0, testutil.ToFloat64(s.memory))
}

func TestResourceSampler_CPUIsDeltaBetweenSamples(t *testing.T) {
	s := NewResourceSampler("svc", time.Second, nil)
	ctx := context.Background()

	// a fresh handle only primes the counters
	s.SampleOnce(ctx, os.Getpid())
	first := s.Latest()
	require.NotNil(t, first)
	assert.Equal(t, 0.0, first.CPUPercent)
	s.procMu.Lock()
	handle := s.proc
	s.procMu.Unlock()
	require.NotNil(t, handle)

	s.SampleOnce(ctx, os.Getpid())
	require.NotNil(t, s.Latest())
	s.procMu.Lock()
	assert.Same(t, handle, s.proc, "handle reused for the same pid")
	s.procMu.Unlock()

	// no sidecar drops the handle so a new pid starts from a fresh baseline
	s.SampleOnce(ctx, 0)
	s.procMu.Lock()
	assert.Nil(t, s.proc)
	s.procMu.Unlock()
}

func TestResourceSampler_RunStopsOnCancel(t *testing.T) {
	s := NewResourceSampler("svc", 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	calls := make(chan int, 100)
	go func() {
		s.Run(ctx, func() int {
			select {
			case calls <- 1:
			default:
			}
			return os.Getpid()
		})
		close(done)
	}()
	require.Eventually(t, func() bool { return len(calls) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
