// Package reaper terminates sidecar instances left behind by an earlier run
// before a fresh one is launched.
//
// Two tiers are tried in order, stopping at the first success:
//
//  1. the persisted pid record: exact and cheap when present;
//  2. a scan of all processes for the child's invocation signature (its
//     script filename), used when the record is missing, unreadable or stale.
//
// Reap never fails; every step's outcome is logged and returned in a Report.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/samber/lo"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkip    Outcome = "skip"
	OutcomeFail    Outcome = "fail"
)

// Step is the result of one tier.
type Step struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
	PIDs    []int   `json:"pids,omitempty"`
}

// Report lists the steps taken by one Reap call, in order.
type Report struct {
	Steps []Step `json:"steps"`
}

// Terminated returns every pid a termination signal was sent to.
func (r Report) Terminated() []int {
	var out []int
	for _, s := range r.Steps {
		if s.Outcome == OutcomeSuccess || s.Outcome == OutcomeFail {
			out = append(out, s.PIDs...)
		}
	}
	return out
}

// Succeeded reports whether any step succeeded.
func (r Report) Succeeded() bool {
	return lo.ContainsBy(r.Steps, func(s Step) bool { return s.Outcome == OutcomeSuccess })
}

// Proc is the slice of a running process the reaper needs.
type Proc interface {
	PID() int
	Cmdline(ctx context.Context) (string, error)
	Terminate(ctx context.Context) error
}

// Table looks processes up. The default implementation is backed by gopsutil.
type Table interface {
	Find(ctx context.Context, pid int) (Proc, error)
	List(ctx context.Context) ([]Proc, error)
}

// ErrNoProcess is returned by Table.Find when no process has the pid.
var ErrNoProcess = errors.New("no such process")

type Reaper struct {
	Record    pidfile.Record
	Signature string // substring of the child's command line, e.g. "weather_service.py"
	Table     Table
	Logger    *slog.Logger
	self      int
}

func New(record pidfile.Record, signature string, l *slog.Logger) *Reaper {
	return &Reaper{Record: record, Signature: signature, Table: SystemTable{}, Logger: logger.OrDefault(l)}
}

// Reap runs the fallback chain.
func (r *Reaper) Reap(ctx context.Context) Report {
	var rep Report
	step := r.reapRecorded(ctx)
	r.log(step)
	rep.Steps = append(rep.Steps, step)
	if step.Outcome == OutcomeSuccess {
		return rep
	}
	step = r.reapBySignature(ctx)
	r.log(step)
	rep.Steps = append(rep.Steps, step)
	return rep
}

// TerminatePID signals a single pid directly, skipping the record. A pid that
// no longer exists is not an error.
func (r *Reaper) TerminatePID(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := r.table().Find(ctx, pid)
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			return nil
		}
		return err
	}
	return p.Terminate(ctx)
}

func (r *Reaper) reapRecorded(ctx context.Context) Step {
	step := Step{Name: "pid-record"}
	pid, err := r.Record.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			step.Outcome = OutcomeSkip
			step.Detail = "no pid record"
			return step
		}
		r.removeRecord()
		step.Outcome = OutcomeFail
		step.Detail = "unreadable pid record: " + err.Error()
		return step
	}
	step.PIDs = []int{pid}
	p, err := r.table().Find(ctx, pid)
	if err != nil {
		r.removeRecord()
		step.Outcome = OutcomeFail
		step.Detail = fmt.Sprintf("stale pid record: %v", err)
		return step
	}
	// A recycled pid must not be signalled. An unreadable command line is
	// given the benefit of the doubt.
	if cmd, err := p.Cmdline(ctx); err == nil && r.Signature != "" && cmd != "" && !strings.Contains(cmd, r.Signature) {
		r.removeRecord()
		step.Outcome = OutcomeFail
		step.Detail = "pid reused by another program: " + truncate(cmd, 80)
		step.PIDs = nil
		return step
	}
	if err := p.Terminate(ctx); err != nil {
		r.removeRecord()
		step.Outcome = OutcomeFail
		step.Detail = "terminate: " + err.Error()
		return step
	}
	r.removeRecord()
	step.Outcome = OutcomeSuccess
	step.Detail = "terminated recorded pid"
	return step
}

func (r *Reaper) reapBySignature(ctx context.Context) Step {
	step := Step{Name: "signature-scan"}
	if r.Signature == "" {
		step.Outcome = OutcomeSkip
		step.Detail = "no signature configured"
		return step
	}
	procs, err := r.table().List(ctx)
	if err != nil {
		step.Outcome = OutcomeFail
		step.Detail = "list processes: " + err.Error()
		return step
	}
	self := r.self
	if self == 0 {
		self = os.Getpid()
	}
	matches := lo.Filter(procs, func(p Proc, _ int) bool {
		if p.PID() == self {
			return false
		}
		cmd, err := p.Cmdline(ctx)
		return err == nil && strings.Contains(cmd, r.Signature)
	})
	if len(matches) == 0 {
		step.Outcome = OutcomeSkip
		step.Detail = "no process matches " + r.Signature
		return step
	}
	var errs []error
	for _, p := range matches {
		step.PIDs = append(step.PIDs, p.PID())
		if err := p.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", p.PID(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		step.Outcome = OutcomeFail
		step.Detail = err.Error()
		return step
	}
	step.Outcome = OutcomeSuccess
	step.Detail = fmt.Sprintf("terminated %d process(es) matching %s", len(matches), r.Signature)
	return step
}

func (r *Reaper) removeRecord() {
	if err := r.Record.Remove(); err != nil {
		r.Logger.Warn("remove pid record", "path", r.Record.Path, "error", err)
	}
}

func (r *Reaper) table() Table {
	if r.Table == nil {
		return SystemTable{}
	}
	return r.Table
}

func (r *Reaper) log(s Step) {
	level := slog.LevelInfo
	switch s.Outcome {
	case OutcomeFail:
		level = slog.LevelWarn
	case OutcomeSkip:
		level = slog.LevelDebug
	}
	metrics.IncReapStep(s.Name, string(s.Outcome))
	r.Logger.Log(context.Background(), level, "reap step", "step", s.Name, "outcome", s.Outcome, "detail", s.Detail, "pids", s.PIDs)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SystemTable reads the host process table through gopsutil, which uses the
// platform's native enumeration (procfs, sysctl, toolhelp snapshots).
type SystemTable struct{}

type sysProc struct{ p *gopsproc.Process }

func (s sysProc) PID() int { return int(s.p.Pid) }
func (s sysProc) Cmdline(ctx context.Context) (string, error) {
	return s.p.CmdlineWithContext(ctx)
}
func (s sysProc) Terminate(ctx context.Context) error {
	return s.p.TerminateWithContext(ctx)
}

func (SystemTable) Find(ctx context.Context, pid int) (Proc, error) {
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoProcess
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil, ErrNoProcess
		}
		return nil, err
	}
	return sysProc{p: p}, nil
}

func (SystemTable) List(ctx context.Context) ([]Proc, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(ps, func(p *gopsproc.Process, _ int) Proc { return sysProc{p: p} }), nil
}
