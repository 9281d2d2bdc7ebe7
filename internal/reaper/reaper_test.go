package reaper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid     int
	cmd     string
	cmdErr  error
	termErr error
	table   *fakeTable
}

func (p *fakeProc) PID() int { return p.pid }
func (p *fakeProc) Cmdline(context.Context) (string, error) {
	return p.cmd, p.cmdErr
}
func (p *fakeProc) Terminate(context.Context) error {
	if p.termErr != nil {
		return p.termErr
	}
	p.table.mu.Lock()
	p.table.terminated = append(p.table.terminated, p.pid)
	p.table.mu.Unlock()
	return nil
}

type fakeTable struct {
	mu         sync.Mutex
	procs      map[int]*fakeProc
	listErr    error
	terminated []int
}

func newFakeTable(procs ...*fakeProc) *fakeTable {
	t := &fakeTable{procs: map[int]*fakeProc{}}
	for _, p := range procs {
		p.table = t
		t.procs[p.pid] = p
	}
	return t
}

func (t *fakeTable) Find(_ context.Context, pid int) (Proc, error) {
	p, ok := t.procs[pid]
	if !ok {
		return nil, ErrNoProcess
	}
	return p, nil
}

func (t *fakeTable) List(context.Context) ([]Proc, error) {
	if t.listErr != nil {
		return nil, t.listErr
	}
	out := make([]Proc, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out, nil
}

func newTestReaper(t *testing.T, table *fakeTable) *Reaper {
	t.Helper()
	r := New(pidfile.New(filepath.Join(t.TempDir(), "weather_service_pid.txt")), "weather_service.py", nil)
	r.Table = table
	r.self = 1
	return r
}

func TestReap_RecordedPIDTerminatesAndRemovesRecord(t *testing.T) {
	table := newFakeTable(
		&fakeProc{pid: 100, cmd: "python3 /app/python/weather_service.py --server --port 8000"},
		&fakeProc{pid: 200, cmd: "python3 weather_service.py --server --port 8001"},
	)
	r := newTestReaper(t, table)
	require.NoError(t, r.Record.Write(100))

	rep := r.Reap(context.Background())

	require.Len(t, rep.Steps, 1, "scan must not run after the record tier succeeds")
	assert.Equal(t, OutcomeSuccess, rep.Steps[0].Outcome)
	assert.Equal(t, []int{100}, table.terminated)
	_, err := os.Stat(r.Record.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, rep.Succeeded())
}

func TestReap_StaleRecordFallsBackToScan(t *testing.T) {
	table := newFakeTable(
		&fakeProc{pid: 200, cmd: "python3 weather_service.py --server --port 8001"},
		&fakeProc{pid: 300, cmd: "/usr/bin/vim notes.txt"},
	)
	r := newTestReaper(t, table)
	require.NoError(t, r.Record.Write(999))

	rep := r.Reap(context.Background())

	require.Len(t, rep.Steps, 2)
	assert.Equal(t, OutcomeFail, rep.Steps[0].Outcome)
	assert.Equal(t, OutcomeSuccess, rep.Steps[1].Outcome)
	assert.Equal(t, []int{200}, table.terminated)
	_, err := r.Record.Read()
	assert.Error(t, err, "stale record must be removed")
}

func TestReap_UnreadableRecordFallsBackToScan(t *testing.T) {
	table := newFakeTable(&fakeProc{pid: 200, cmd: "python weather_service.py"})
	r := newTestReaper(t, table)
	require.NoError(t, os.WriteFile(r.Record.Path, []byte("garbage"), 0o600))

	rep := r.Reap(context.Background())

	require.Len(t, rep.Steps, 2)
	assert.Equal(t, OutcomeFail, rep.Steps[0].Outcome)
	assert.Contains(t, rep.Steps[0].Detail, "unreadable")
	assert.Equal(t, []int{200}, table.terminated)
	_, err := os.Stat(r.Record.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReap_ReusedPIDIsNotSignalled(t *testing.T) {
	table := newFakeTable(&fakeProc{pid: 100, cmd: "/usr/sbin/sshd -D"})
	r := newTestReaper(t, table)
	require.NoError(t, r.Record.Write(100))

	rep := r.Reap(context.Background())

	assert.Empty(t, table.terminated)
	require.Len(t, rep.Steps, 2)
	assert.Contains(t, rep.Steps[0].Detail, "reused")
	assert.Equal(t, OutcomeSkip, rep.Steps[1].Outcome)
}

func TestReap_NothingToDo(t *testing.T) {
	r := newTestReaper(t, newFakeTable())
	rep := r.Reap(context.Background())
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, OutcomeSkip, rep.Steps[0].Outcome)
	assert.Equal(t, OutcomeSkip, rep.Steps[1].Outcome)
	assert.False(t, rep.Succeeded())
}

func TestReap_ScanSkipsSelfAndReportsErrors(t *testing.T) {
	table := newFakeTable(
		&fakeProc{pid: 1, cmd: "sidecar serve --script weather_service.py"},
		&fakeProc{pid: 50, cmd: "python weather_service.py", termErr: errors.New("operation not permitted")},
		&fakeProc{pid: 51, cmd: "python weather_service.py"},
	)
	r := newTestReaper(t, table)

	rep := r.Reap(context.Background())

	require.Len(t, rep.Steps, 2)
	scan := rep.Steps[1]
	assert.Equal(t, OutcomeFail, scan.Outcome)
	assert.ElementsMatch(t, []int{50, 51}, scan.PIDs)
	assert.Equal(t, []int{51}, table.terminated)
	assert.ElementsMatch(t, []int{50, 51}, rep.Terminated())
}

func TestReap_ListErrorDoesNotPanic(t *testing.T) {
	table := newFakeTable()
	table.listErr = errors.New("permission denied")
	r := newTestReaper(t, table)
	rep := r.Reap(context.Background())
	require.Len(t, rep.Steps, 2)
	assert.Equal(t, OutcomeFail, rep.Steps[1].Outcome)
}

func TestTerminatePID(t *testing.T) {
	table := newFakeTable(&fakeProc{pid: 7, cmd: "python weather_service.py"})
	r := newTestReaper(t, table)
	require.NoError(t, r.TerminatePID(context.Background(), 7))
	require.NoError(t, r.TerminatePID(context.Background(), 8), "missing pid is not an error")
	require.NoError(t, r.TerminatePID(context.Background(), 0))
	assert.Equal(t, []int{7}, table.terminated)
}
