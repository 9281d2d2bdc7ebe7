package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

type readableSink struct{ memSink }

func (r *readableSink) Recent(_ context.Context, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.events[i])
	}
	return out, nil
}

func TestDispatcher_EmitFansOutAndStamps(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	d := NewDispatcher(nil, a, b)
	d.Emit(context.Background(), Event{Type: EventStart, Record: Record{Name: "weather_service", PID: 7, Port: 8000}})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, 8000, b.events[0].Record.Port)
}

func TestDispatcher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	d := NewDispatcher(nil, bad, good)
	d.Emit(context.Background(), Event{Type: EventExit, OccurredAt: time.Unix(10, 0)})
	require.Len(t, good.events, 1)
	assert.Equal(t, time.Unix(10, 0), good.events[0].OccurredAt)
}

func TestDispatcher_NilAndEmpty(t *testing.T) {
	var d *Dispatcher
	d.Emit(context.Background(), Event{Type: EventStop})
	assert.NoError(t, d.Close())
	_, err := d.Recent(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNoReader)

	NewDispatcher(nil).Emit(context.Background(), Event{Type: EventStop})
}

func TestDispatcher_RecentAndClose(t *testing.T) {
	plain := &memSink{}
	r := &readableSink{}
	d := NewDispatcher(nil, plain, r)
	for _, ty := range []EventType{EventStart, EventExit, EventRestart} {
		d.Emit(context.Background(), Event{Type: ty})
	}
	got, err := d.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, EventRestart, got[0].Type)
	assert.Equal(t, EventExit, got[1].Type)

	require.NoError(t, d.Close())
	assert.True(t, plain.closed)
	assert.True(t, r.closed)
}
