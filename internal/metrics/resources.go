package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of the sidecar.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples the current sidecar pid with gopsutil
// and exports the values as gauges.
type ResourceSampler struct {
	name     string
	interval time.Duration
	logger   *slog.Logger

	cpu     prometheus.Gauge
	memory  prometheus.Gauge
	threads prometheus.Gauge

	mu     sync.RWMutex
	latest *Usage

	// procMu guards proc; the handle is kept across ticks so CPU percent
	// is the delta since the previous sample.
	procMu sync.Mutex
	proc   *process.Process
}

func NewResourceSampler(name string, interval time.Duration, l *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	labels := prometheus.Labels{"name": name}
	return &ResourceSampler{
		name:     name,
		interval: interval,
		logger:   l,
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidecar", Subsystem: "process", Name: "cpu_percent",
			Help: "CPU usage percentage of the sidecar since the previous sample.", ConstLabels: labels,
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidecar", Subsystem: "process", Name: "memory_mb",
			Help: "Resident memory of the sidecar in MB.", ConstLabels: labels,
		}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sidecar", Subsystem: "process", Name: "num_threads",
			Help: "Thread count of the sidecar.", ConstLabels: labels,
		}),
	}
}

func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.memory, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples pid() every interval until ctx is done. A pid of 0 means no
// sidecar is running; gauges are zeroed and Latest returns nil.
func (s *ResourceSampler) Run(ctx context.Context, pid func() int) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.SampleOnce(ctx, pid())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// SampleOnce takes a single sample of pid and updates the gauges.
func (s *ResourceSampler) SampleOnce(ctx context.Context, pid int) {
	if pid <= 0 {
		s.reset()
		s.store(nil)
		return
	}
	u, err := s.sample(ctx, int32(pid))
	if err != nil {
		s.reset()
		s.logger.Debug("resource sample failed", "pid", pid, "error", err)
		s.store(nil)
		return
	}
	s.store(u)
}

func (s *ResourceSampler) sample(ctx context.Context, pid int32) (*Usage, error) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.proc == nil || s.proc.Pid != pid {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("process handle: %w", err)
		}
		s.proc = p
	}
	// First call on a fresh handle primes the counters and reports 0.
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	return usageOf(ctx, s.proc, cpu)
}

func (s *ResourceSampler) reset() {
	s.procMu.Lock()
	s.proc = nil
	s.procMu.Unlock()
}

func (s *ResourceSampler) store(u *Usage) {
	s.mu.Lock()
	s.latest = u
	s.mu.Unlock()
	if u == nil {
		s.cpu.Set(0)
		s.memory.Set(0)
		s.threads.Set(0)
		return
	}
	s.cpu.Set(u.CPUPercent)
	s.memory.Set(u.MemoryMB)
	s.threads.Set(float64(u.NumThreads))
}

// Latest returns the most recent successful sample, or nil.
func (s *ResourceSampler) Latest() *Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	u := *s.latest
	return &u
}

// Sample is a one-shot reading of pid. Without a previous sample CPU
// percent is the average since the process started.
func Sample(ctx context.Context, pid int32) (*Usage, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("process handle: %w", err)
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	return usageOf(ctx, p, cpu)
}

func usageOf(ctx context.Context, p *process.Process, cpu float64) (*Usage, error) {
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := p.NumThreadsWithContext(ctx)
	u := &Usage{
		PID:        p.Pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}
