package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/process"
)

// runStateMachine is the only goroutine that changes lifecycle state.
func (s *Supervisor) runStateMachine() {
	defer close(s.doneChan)
	for {
		select {
		case cmd := <-s.cmdChan:
			if s.handleCommand(cmd) {
				return
			}
		case child := <-s.exits:
			s.handleExit(child)
		}
	}
}

// handleCommand reports whether the loop should exit.
func (s *Supervisor) handleCommand(cmd command) bool {
	var r Result
	switch cmd.action {
	case actionStart:
		r = s.handleStart(cmd.ctx)
	case actionStop:
		r = s.handleStop(cmd.ctx)
	case actionRestart:
		s.handleRestart(cmd.gen)
	case actionShutdown:
		r = s.handleStop(cmd.ctx)
		s.cancel()
		if cmd.reply != nil {
			cmd.reply <- r
		}
		return true
	}
	if cmd.reply != nil {
		cmd.reply <- r
	}
	return false
}

func (s *Supervisor) handleStart(ctx context.Context) Result {
	s.mu.RLock()
	state, child, url := s.state, s.child, s.url
	s.mu.RUnlock()

	if state == StateReady && child != nil && !child.Exited() {
		return Success("weather service is already running", StatusRunning, url)
	}
	if child != nil && child.Exited() {
		// Exit not yet processed; drop the handle so its event is stale.
		s.clearChild(child)
	}
	// An explicit start supersedes a pending restart and resets the budget.
	s.cancelRestart()
	s.consecutive = 0
	return s.doStart(ctx)
}

// doStart runs bootstrap, reap, port selection, launch and readiness.
// On failure the spawned child (if any) is killed and state is stopped.
func (s *Supervisor) doStart(ctx context.Context) Result {
	s.setState(StateStarting)
	name := s.opts.Name

	if b := s.deps.Bootstrap; b != nil && !b.Installed() {
		b.EnsureEnvironment(ctx)
	}

	child, port, err := s.spawn(ctx)
	if err != nil {
		return s.failStart("launch", err)
	}
	url := s.baseURL(port)
	s.mu.Lock()
	s.child = child
	s.port = port
	s.url = url
	s.startedAt = child.StartedAt
	s.mu.Unlock()
	s.watch(child)

	began := time.Now()
	readyCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-child.Done():
			cancel()
		case <-readyCtx.Done():
		}
	}()
	err = s.deps.Prober.WaitUntilReady(readyCtx, url, s.opts.ReadyRetries, s.opts.ReadyInterval)
	cancel()
	if err != nil {
		if child.Exited() {
			err = fmt.Errorf("%w before ready: %v", ErrUnexpectedChildExit, child.ExitErr())
		}
		s.discard(child)
		return s.failStart("readiness", err)
	}

	metrics.ObserveReadiness(name, time.Since(began).Seconds())
	metrics.IncStart(name)
	metrics.SetPort(name, port)
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.readyAt = time.Now()
	s.setState(StateReady)
	s.emit(history.EventStart, child, "")
	s.log.Info("weather service ready", "url", url, "pid", child.PID)
	return Success("weather service started", StatusRunning, url)
}

// spawn serializes reap+launch against other supervisors via the lock file.
func (s *Supervisor) spawn(ctx context.Context) (*process.Child, int, error) {
	if s.opts.LockFile != "" {
		lock := flock.New(s.opts.LockFile)
		lctx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
		locked, err := lock.TryLockContext(lctx, 50*time.Millisecond)
		cancel()
		if err != nil || !locked {
			return nil, 0, fmt.Errorf("acquire lock %s: %w", s.opts.LockFile, errors.Join(err, errLockBusy))
		}
		defer func() { _ = lock.Unlock() }()
	}
	s.deps.Reaper.Reap(ctx)
	port := s.deps.Ports.FindAvailablePort(ctx, s.opts.Port, s.opts.PortAttempts)
	child, err := s.deps.Launcher.Launch(ctx, port)
	if err != nil {
		return nil, 0, err
	}
	return child, port, nil
}

var errLockBusy = errors.New("another supervisor is starting the sidecar")

func (s *Supervisor) failStart(reason string, err error) Result {
	metrics.IncStartFailure(s.opts.Name, reason)
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.setState(StateStopped)
	s.emitRecord(history.EventFail, history.Record{Error: err.Error()})
	s.log.Error("weather service start failed", "reason", reason, "error", err)
	return Failure("failed to start weather service: " + err.Error())
}

// watch forwards the child's exit to the state machine.
func (s *Supervisor) watch(child *process.Child) {
	go func() {
		<-child.Done()
		select {
		case s.exits <- child:
		case <-s.doneChan:
		}
	}()
}

// discard kills a child that never became ready.
func (s *Supervisor) discard(child *process.Child) {
	_ = child.Kill()
	select {
	case <-child.Done():
	case <-time.After(s.stopTimeout()):
		s.log.Warn("child did not exit after kill", "pid", child.PID)
	}
	s.clearChild(child)
}

func (s *Supervisor) clearChild(child *process.Child) {
	s.mu.Lock()
	if s.child == child {
		s.child = nil
		s.port = 0
		s.url = ""
		s.startedAt = time.Time{}
	}
	s.mu.Unlock()
	_ = s.opts.Record.RemoveIf(child.PID)
	metrics.SetPort(s.opts.Name, 0)
}

func (s *Supervisor) handleExit(child *process.Child) {
	s.mu.RLock()
	current, state := s.child, s.state
	s.mu.RUnlock()
	if child != current {
		s.log.Debug("ignoring exit of stale child", "pid", child.PID)
		return
	}
	exitErr := child.ExitErr()
	s.clearChild(child)

	if exitErr == nil {
		s.log.Info("weather service exited cleanly", "pid", child.PID)
		s.emit(history.EventExit, child, "")
		s.setState(StateStopped)
		return
	}

	err := fmt.Errorf("%w: pid %d: %v", ErrUnexpectedChildExit, child.PID, exitErr)
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.emit(history.EventExit, child, exitErr.Error())
	s.log.Error("weather service exited unexpectedly", "pid", child.PID, "state", state, "error", exitErr)

	if state == StateReady && !s.readyAt.IsZero() && time.Since(s.readyAt) >= s.opts.StableAfter {
		s.consecutive = 0
	}
	if s.opts.MaxRestarts > 0 && s.consecutive >= s.opts.MaxRestarts {
		s.log.Error("restart limit reached; staying stopped", "consecutive", s.consecutive)
		s.setState(StateStopped)
		return
	}
	s.setState(StateStarting)
	s.scheduleRestart()
}

func (s *Supervisor) scheduleRestart() {
	s.cancelRestart()
	gen := s.restartGen
	delay := s.opts.RestartDelay
	s.log.Info("scheduling restart", "delay", delay)
	s.restartTimer = time.AfterFunc(delay, func() {
		select {
		case s.cmdChan <- command{action: actionRestart, gen: gen}:
		case <-s.doneChan:
		}
	})
}

// cancelRestart invalidates any pending restart, including one whose
// command is already queued.
func (s *Supervisor) cancelRestart() {
	s.restartGen++
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *Supervisor) handleRestart(gen uint64) {
	s.mu.RLock()
	state, child := s.state, s.child
	s.mu.RUnlock()
	if gen != s.restartGen || state != StateStarting || child != nil {
		return
	}
	s.restartTimer = nil
	s.consecutive++
	s.mu.Lock()
	s.restarts++
	total := s.restarts
	s.mu.Unlock()
	metrics.IncRestart(s.opts.Name)
	s.emitRecord(history.EventRestart, history.Record{Status: StatusStarting})
	s.log.Info("restarting weather service", "attempt", s.consecutive, "total", total)
	s.doStart(s.baseCtx)
}

func (s *Supervisor) handleStop(ctx context.Context) Result {
	s.cancelRestart()
	s.mu.RLock()
	child := s.child
	s.mu.RUnlock()

	if child != nil {
		s.setState(StateStopping)
		metrics.IncStop(s.opts.Name)
		_ = child.Terminate()
		if pid, err := s.opts.Record.Read(); err == nil && pid != child.PID {
			if err := s.deps.Reaper.TerminatePID(ctx, pid); err != nil {
				s.log.Warn("terminate recorded pid", "pid", pid, "error", err)
			}
		}
		if err := child.Stop(s.stopTimeout()); err != nil {
			s.log.Warn("child stop", "pid", child.PID, "error", err)
		}
		s.emit(history.EventStop, child, "")
		s.clearChild(child)
		s.log.Info("weather service stopped", "pid", child.PID)
	}
	s.deps.Reaper.Reap(ctx)
	s.setState(StateStopped)
	return Success("weather service stopped", StatusStopped, "")
}

func (s *Supervisor) stopTimeout() time.Duration {
	if s.opts.StopTimeout > 0 {
		return s.opts.StopTimeout
	}
	return 3 * time.Second
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(s.opts.Name, prev.String(), next.String())
	metrics.SetCurrentState(s.opts.Name, next.String(), allStates)
	s.log.Debug("state transition", "from", prev, "to", next)
}

func (s *Supervisor) emit(t history.EventType, child *process.Child, errText string) {
	s.emitRecord(t, history.Record{
		PID:      child.PID,
		Port:     child.Port,
		ExitCode: exitCode(child),
		Error:    errText,
	})
}

func (s *Supervisor) emitRecord(t history.EventType, rec history.Record) {
	if s.deps.History == nil {
		return
	}
	rec.Name = s.opts.Name
	if rec.Status == "" {
		rec.Status = s.State().String()
	}
	s.deps.History.Emit(s.baseCtx, history.Event{Type: t, Record: rec})
}

func exitCode(c *process.Child) int {
	if !c.Exited() {
		return 0
	}
	return c.ExitCode()
}
