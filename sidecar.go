// Package sidecar supervises the local weather service the desktop shell
// depends on. Service is the embedding entry point: it wires configuration,
// the lifecycle supervisor, health checks and the weather request path.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sidecar/internal/bootstrap"
	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/history/factory"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/loykin/sidecar/internal/portalloc"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/reaper"
	"github.com/loykin/sidecar/internal/supervisor"
)

// Re-exported so embedders need not import internal packages.
type (
	Config   = config.Config
	Result   = supervisor.Result
	Status   = supervisor.Status
	Notifier = bootstrap.Notifier
	Usage    = metrics.Usage
	Event    = history.Event
	Sink     = history.Sink
)

// ErrRequestFailed prefixes every weather request failure payload.
var ErrRequestFailed = errors.New("weather API request failed")

// StartGracePeriod bounds the extra readiness confirmation after a Start
// triggered by a weather request. It is a heuristic: Start already waited
// for readiness, this only covers a child that answers health checks a
// moment before it serves business routes.
const StartGracePeriod = time.Second

const resourceSampleInterval = 5 * time.Second

// LoadConfig reads a TOML file (optional) plus SIDECAR_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config { return config.Default() }

// Service owns one supervised weather service and the request path to it.
// Build it with New and release it with Dispose.
type Service struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	prober  *health.Prober
	client  *http.Client
	history *history.Dispatcher
	sampler *metrics.ResourceSampler
	log     *slog.Logger

	notify     Notifier
	registerer prometheus.Registerer
	sinks      []history.Sink

	ctx     context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	bgMu    sync.Mutex
	closed  bool
	dispose sync.Once
}

// Option customizes a Service at construction.
type Option func(*Service)

// WithLogger sets the structured logger; slog.Default otherwise.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithNotifier receives user-visible environment problems (e.g. no Python).
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notify = n } }

// WithRegisterer overrides the Prometheus registerer (default registry otherwise).
func WithRegisterer(r prometheus.Registerer) Option { return func(s *Service) { s.registerer = r } }

// WithHistorySinks adds sinks next to the one configured by DSN.
func WithHistorySinks(sinks ...Sink) Option {
	return func(s *Service) { s.sinks = append(s.sinks, sinks...) }
}

// New validates cfg and builds a Service. The child is not started until
// Start, Status or GetWeatherFromApi is called.
func New(cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sidecar config: %w", err)
	}
	s := &Service{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(s)
	}
	s.log = logger.OrDefault(s.log)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sinks := append([]history.Sink(nil), s.sinks...)
	if cfg.History.Enabled && cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	s.history = history.NewDispatcher(s.log, sinks...)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(s.registerer); err != nil {
			s.log.Warn("metrics registration failed", "error", err)
		}
		s.sampler = metrics.NewResourceSampler(process.Name, resourceSampleInterval, s.log)
		if err := s.sampler.Register(s.registerer); err != nil {
			s.log.Warn("resource metrics registration failed", "error", err)
		}
	}

	layout := cfg.Layout()
	record := pidfile.New(cfg.PIDFile)
	s.prober = health.NewProber(cfg.HealthPath)
	s.client = &http.Client{Timeout: cfg.RequestTimeout}

	var boot supervisor.Bootstrapper
	if !cfg.SkipBootstrap {
		b := bootstrap.New(layout.ResolveRuntime(), layout.ManifestPath(), s.log)
		b.Notify = s.notifier()
		boot = b
	}

	s.sup = supervisor.New(supervisor.Options{
		Name:          process.Name,
		Host:          cfg.Host,
		Port:          cfg.Port,
		PortAttempts:  cfg.PortAttempts,
		ReadyRetries:  cfg.ReadyRetries,
		ReadyInterval: cfg.ReadyInterval,
		RestartDelay:  cfg.RestartDelay,
		MaxRestarts:   cfg.MaxRestarts,
		StableAfter:   cfg.StableAfter,
		StopTimeout:   cfg.StopTimeout,
		LockFile:      cfg.LockFile,
		Record:        record,
	}, supervisor.Deps{
		Launcher: &process.Launcher{
			Layout: layout,
			Env:    cfg.Env,
			Log:    cfg.Log.Logger(),
			Record: &record,
			Logger: s.log.With("child", process.Name),
		},
		Prober:    s.prober,
		Reaper:    reaper.New(record, layout.ScriptPath(), s.log.With("component", "reaper")),
		Ports:     portalloc.New(cfg.Host, cfg.HealthPath, cfg.ProbeTimeout, s.log),
		Bootstrap: boot,
		History:   s.history,
		Logger:    s.log,
	})

	if s.sampler != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.sampler.Run(s.ctx, s.sup.PID)
		}()
	}
	return s, nil
}

func (s *Service) notifier() bootstrap.Notifier {
	if s.notify != nil {
		return s.notify
	}
	return func(title string, err error) {
		s.log.Error(title, "error", err)
	}
}

// Config returns the configuration the service was built with.
func (s *Service) Config() *Config { return s.cfg }

// Start launches the sidecar, or reports the running one.
func (s *Service) Start(ctx context.Context) Result { return s.sup.Start(ctx) }

// Stop terminates the sidecar. Safe to call repeatedly.
func (s *Service) Stop(ctx context.Context) Result { return s.sup.Stop(ctx) }

// Snapshot is the supervisor's view without any network call.
func (s *Service) Snapshot() Status { return s.sup.Status() }

// Usage is the latest resource sample of the child, nil when unknown.
func (s *Service) Usage() *Usage {
	if s.sampler == nil {
		return nil
	}
	return s.sampler.Latest()
}

// History returns recent lifecycle events from a readable sink.
func (s *Service) History(ctx context.Context, limit int) ([]Event, error) {
	return s.history.Recent(ctx, limit)
}

// Status checks the health endpoint once. A live server reports running;
// otherwise a start is kicked off in the background and starting is
// reported immediately.
func (s *Service) Status(ctx context.Context) Result {
	url := s.sup.Status().URL
	if url == "" {
		url = s.cfg.BaseURL(s.cfg.Port)
	}
	if err := s.prober.Check(ctx, url); err == nil {
		return supervisor.Success("", supervisor.StatusRunning, url)
	}
	s.startInBackground()
	return supervisor.Success("weather service is not running; starting it", supervisor.StatusStarting, "")
}

func (s *Service) startInBackground() {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if r := s.sup.Start(s.ctx); !r.OK() {
			s.log.Warn("background start failed", "message", r.Data.Message)
		}
	}()
}

// GetWeatherFromApi returns the child's /weather/current body verbatim, or
// an error payload of the same envelope shape.
func (s *Service) GetWeatherFromApi(ctx context.Context) json.RawMessage {
	if s.sup.State() != supervisor.StateReady {
		r := s.sup.Start(ctx)
		if !r.OK() {
			return ErrorPayload(fmt.Errorf("%w: %s", ErrRequestFailed, r.Data.Message))
		}
		gctx, cancel := context.WithTimeout(ctx, StartGracePeriod)
		interval := s.cfg.ReadyInterval
		retries := int(StartGracePeriod/interval) + 1
		if err := s.prober.WaitUntilReady(gctx, r.Data.URL, retries, interval); err != nil {
			s.log.Debug("grace readiness check did not pass", "error", err)
		}
		cancel()
	}
	url := s.sup.URL()
	if url == "" {
		return ErrorPayload(fmt.Errorf("%w: weather service is not ready", ErrRequestFailed))
	}
	body, err := s.fetch(ctx, url+s.cfg.WeatherPath)
	if err != nil {
		return ErrorPayload(fmt.Errorf("%w: %w", ErrRequestFailed, err))
	}
	return body
}

func (s *Service) fetch(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, errors.New("response is not valid JSON")
	}
	return json.RawMessage(body), nil
}

// ErrorPayload renders {"type":"error","data":{"message":...}}.
func ErrorPayload(err error) json.RawMessage {
	b, _ := json.Marshal(supervisor.Failure(err.Error()))
	return b
}

// Dispose stops the child, ends the supervisor and closes history sinks.
// Safe to call more than once.
func (s *Service) Dispose() {
	s.dispose.Do(func() {
		s.log.Info("disposing weather sidecar")
		s.bgMu.Lock()
		s.closed = true
		s.bgMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout+5*time.Second)
		defer cancel()
		s.cancel()
		s.sup.Shutdown(ctx)
		s.bg.Wait()
		if err := s.history.Close(); err != nil {
			s.log.Warn("closing history sinks", "error", err)
		}
	})
}

// HandleSignals blocks until SIGINT/SIGTERM or ctx is done, then disposes
// the service. The caller exits afterwards.
func (s *Service) HandleSignals(ctx context.Context) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(ch)
	var sig os.Signal
	select {
	case sig = <-ch:
		s.log.Info("signal received", "signal", sig.String())
	case <-ctx.Done():
	}
	s.Dispose()
	return sig
}
