package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/sidecar/internal/logger"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"   // child reached ready
	EventFail    EventType = "fail"    // start attempt failed
	EventExit    EventType = "exit"    // child exited on its own
	EventRestart EventType = "restart" // automatic restart scheduled
	EventStop    EventType = "stop"    // stop requested
)

// Record is the sidecar snapshot attached to an event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Port     int    `json:"port"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// DefaultSendTimeout bounds a single sink write.
const DefaultSendTimeout = 2 * time.Second

// Dispatcher fans an event out to every sink. Writes are best-effort:
// failures are logged and never reach the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewDispatcher(l *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, timeout: DefaultSendTimeout, logger: logger.OrDefault(l)}
}

// Emit stamps e with the current time if unset and delivers it.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range d.sinks {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := s.Send(cctx, e); err != nil {
			d.logger.Warn("history sink send failed", "event", e.Type, "error", err)
		}
		cancel()
	}
}

// Recent reads from the first sink that supports it.
func (d *Dispatcher) Recent(ctx context.Context, limit int) ([]Event, error) {
	if d != nil {
		for _, s := range d.sinks {
			if r, ok := s.(Reader); ok {
				return r.Recent(ctx, limit)
			}
		}
	}
	return nil, ErrNoReader
}

// ErrNoReader means no configured sink can be queried.
var ErrNoReader = errors.New("no readable history sink configured")

// Close closes every sink that is an io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
