// Package supervisor owns the sidecar child for its whole life: start,
// readiness, crash restart and shutdown.
//
// All lifecycle work happens on one goroutine (runStateMachine) fed by a
// buffered command channel, so transitions never interleave:
//
//	stopped -> starting -> ready -> stopping -> stopped
//	ready -> starting (unexpected exit, restart pending)
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/reaper"
)

var (
	// ErrUnexpectedChildExit is recorded when the child dies without a stop request.
	ErrUnexpectedChildExit = errors.New("sidecar exited unexpectedly")
	ErrShuttingDown        = errors.New("supervisor shutting down")
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var allStates = []string{"stopped", "starting", "ready", "stopping"}

// Launcher spawns the child on a port.
type Launcher interface {
	Launch(ctx context.Context, port int) (*process.Child, error)
}

// Prober checks the child's health endpoint.
type Prober interface {
	Check(ctx context.Context, baseURL string) error
	WaitUntilReady(ctx context.Context, baseURL string, retries int, delay time.Duration) error
}

// Reaper cleans up instances from earlier runs.
type Reaper interface {
	Reap(ctx context.Context) reaper.Report
	TerminatePID(ctx context.Context, pid int) error
}

// PortFinder picks the port for the next launch.
type PortFinder interface {
	FindAvailablePort(ctx context.Context, start, attempts int) int
}

// Bootstrapper prepares the interpreter environment.
type Bootstrapper interface {
	EnsureEnvironment(ctx context.Context)
	Installed() bool
}

// Options are the lifecycle knobs, taken from config.
type Options struct {
	Name          string
	Host          string
	Port          int
	PortAttempts  int
	ReadyRetries  int
	ReadyInterval time.Duration
	RestartDelay  time.Duration
	MaxRestarts   int           // bound on consecutive automatic restarts; 0 means unbounded
	StableAfter   time.Duration // a child ready this long resets the consecutive count
	StopTimeout   time.Duration
	LockFile      string
	LockTimeout   time.Duration
	Record        pidfile.Record
}

// Deps are the collaborators. Bootstrap and History may be nil.
type Deps struct {
	Launcher  Launcher
	Prober    Prober
	Reaper    Reaper
	Ports     PortFinder
	Bootstrap Bootstrapper
	History   *history.Dispatcher
	Logger    *slog.Logger
}

type Supervisor struct {
	opts Options
	deps Deps
	log  *slog.Logger

	// mu guards the fields read by Status from other goroutines. Only the
	// state machine goroutine writes them.
	mu        sync.RWMutex
	state     State
	child     *process.Child
	port      int
	url       string
	restarts  int
	lastErr   string
	startedAt time.Time

	// owned by the state machine goroutine
	restartGen   uint64
	restartTimer *time.Timer
	consecutive  int // automatic restarts since the last stable run
	readyAt      time.Time

	cmdChan  chan command
	exits    chan *process.Child
	doneChan chan struct{}
	baseCtx  context.Context
	cancel   context.CancelFunc
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action commandAction
	ctx    context.Context
	gen    uint64
	reply  chan Result
}

const (
	defaultLockTimeout = 10 * time.Second
	defaultStableAfter = 10 * time.Second
)

// New starts the state machine goroutine. Call Shutdown to release it.
func New(opts Options, deps Deps) *Supervisor {
	if opts.Name == "" {
		opts.Name = process.Name
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.PortAttempts <= 0 {
		opts.PortAttempts = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = defaultStableAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:     opts,
		deps:     deps,
		log:      logger.OrDefault(deps.Logger).With("component", "supervisor"),
		state:    StateStopped,
		cmdChan:  make(chan command, 16),
		exits:    make(chan *process.Child),
		doneChan: make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	metrics.SetCurrentState(opts.Name, StateStopped.String(), allStates)
	go s.runStateMachine()
	return s
}

// Start brings the child to ready. A second Start while ready returns the
// existing URL without spawning; a Start issued while another is in flight
// queues behind it.
func (s *Supervisor) Start(ctx context.Context) Result {
	return s.send(ctx, command{action: actionStart})
}

// Stop terminates the child if any and reaps leftovers. It is safe to call
// in any state and repeatedly.
func (s *Supervisor) Stop(ctx context.Context) Result {
	return s.send(ctx, command{action: actionStop})
}

// Shutdown stops the child and ends the state machine. Idempotent.
func (s *Supervisor) Shutdown(ctx context.Context) Result {
	select {
	case <-s.doneChan:
		return Success("supervisor already shut down", StatusStopped, "")
	default:
	}
	r := s.send(ctx, command{action: actionShutdown})
	if r.Data.Message == ErrShuttingDown.Error() {
		return Success("supervisor already shut down", StatusStopped, "")
	}
	return r
}

// Done is closed once the state machine has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.doneChan }

func (s *Supervisor) send(ctx context.Context, cmd command) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	cmd.reply = make(chan Result, 1)
	select {
	case s.cmdChan <- cmd:
	case <-s.doneChan:
		return Failure(ErrShuttingDown.Error())
	case <-ctx.Done():
		return Failure(ctx.Err().Error())
	}
	// A caller that gives up leaves the command queued; reply is buffered.
	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return Failure(ctx.Err().Error())
	case <-s.doneChan:
		// The loop replies before it exits; prefer that reply.
		select {
		case r := <-cmd.reply:
			return r
		default:
			return Failure(ErrShuttingDown.Error())
		}
	}
}

// Status returns a snapshot without going through the state machine.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:      s.opts.Name,
		State:     s.state.String(),
		Restarts:  s.restarts,
		LastError: s.lastErr,
	}
	if s.child != nil {
		st.URL = s.url
		st.Port = s.port
		st.PID = s.child.PID
		st.StartedAt = s.startedAt
	}
	return st
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// URL is the base URL of the ready child, or "".
func (s *Supervisor) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return ""
	}
	return s.url
}

// PID of the owned child, 0 when none.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.child == nil {
		return 0
	}
	return s.child.PID
}

func (s *Supervisor) baseURL(port int) string {
	return "http://" + net.JoinHostPort(s.opts.Host, strconv.Itoa(port))
}
