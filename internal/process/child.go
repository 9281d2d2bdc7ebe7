package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Child is a launched sidecar. Done is closed once the process has been
// waited on; ExitErr is meaningful only after that.
type Child struct {
	Cmd       *exec.Cmd
	Port      int
	PID       int
	StartedAt time.Time

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
	closers []io.Closer
}

func newChild(cmd *exec.Cmd, port int, closers []io.Closer) *Child {
	return &Child{
		Cmd:       cmd,
		Port:      port,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		closers:   closers,
	}
}

// monitor is the only caller of cmd.Wait.
func (c *Child) monitor() {
	err := c.Cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	close(c.done)
}

func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Exited reports whether the process has been reaped.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 if the child is still running or
// was ended by a signal.
func (c *Child) ExitCode() int {
	if !c.Exited() {
		return -1
	}
	return ExitCode(c.ExitErr())
}

// Terminate asks the child to exit gracefully.
func (c *Child) Terminate() error {
	if c.Exited() {
		return nil
	}
	return terminateTree(c.Cmd.Process)
}

// Kill ends the child and its process group immediately.
func (c *Child) Kill() error {
	if c.Exited() {
		return nil
	}
	return killTree(c.Cmd.Process)
}

// Stop terminates the child and escalates to Kill when it has not exited
// within wait. It returns once the child is reaped or a short grace after
// the kill has passed.
func (c *Child) Stop(wait time.Duration) error {
	if c.Exited() {
		return nil
	}
	_ = c.Terminate()
	select {
	case <-c.done:
		return nil
	case <-time.After(wait):
	}
	_ = c.Kill()
	select {
	case <-c.done:
		return nil
	case <-time.After(killGrace):
		return ErrStillRunning
	}
}

const killGrace = 2 * time.Second

var ErrStillRunning = errors.New("process still running after kill")

// ExitCode extracts the exit status from a Wait error. nil means 0; a
// signal-terminated process reports -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
