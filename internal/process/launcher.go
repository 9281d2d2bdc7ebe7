package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/pidfile"
)

// ErrLaunchFailed wraps every reason the child could not be spawned.
var ErrLaunchFailed = errors.New("failed to launch sidecar")

const (
	// Name identifies the child in logs and log file names.
	Name = "weather_service"
	// waitDelay bounds how long Wait keeps draining pipes held open by
	// grandchildren after the child itself exited.
	waitDelay = 2 * time.Second
)

// Launcher spawns the sidecar script.
type Launcher struct {
	Layout Layout
	Env    []string // extra K=V pairs for the child
	Log    logger.Config
	Record *pidfile.Record
	Logger *slog.Logger
}

// Command builds the child command without starting it.
func (l *Launcher) Command(port int) (*exec.Cmd, error) {
	script := l.Layout.ScriptPath()
	fi, err := os.Stat(script)
	if err != nil {
		return nil, fmt.Errorf("%w: script %s: %w", ErrLaunchFailed, script, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: script %s is a directory", ErrLaunchFailed, script)
	}
	runtimePath := l.Layout.ResolveRuntime()
	cmd := exec.Command(runtimePath, script, "--server", "--port", strconv.Itoa(port))
	cmd.Dir = l.Layout.PythonDir()
	cmd.Env = env.Child().Merge(l.Env)
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)
	return cmd, nil
}

// Launch starts the sidecar on port and records its pid. The returned Child
// is already being monitored.
func (l *Launcher) Launch(ctx context.Context, port int) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	log := logger.OrDefault(l.Logger)
	cmd, err := l.Command(port)
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	outFile, errFile, err := l.Log.ProcessWriters(Name)
	if err != nil {
		log.Warn("child log files unavailable", "error", err)
	}
	outW := logger.NewLineWriter(log.With("stream", "stdout"), slog.LevelInfo, writerOrNil(outFile))
	errW := logger.NewLineWriter(log.With("stream", "stderr"), slog.LevelWarn, writerOrNil(errFile))
	cmd.Stdout = outW
	cmd.Stderr = errW
	closers = append(closers, outW, errW)
	if outFile != nil {
		closers = append(closers, outFile)
	}
	if errFile != nil {
		closers = append(closers, errFile)
	}

	log.Info("launching sidecar", "runtime", cmd.Path, "args", cmd.Args[1:], "port", port)
	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	child := newChild(cmd, port, closers)
	go child.monitor()

	if l.Record != nil {
		if err := l.Record.Write(child.PID); err != nil {
			log.Warn("failed to write pid record", "path", l.Record.Path, "error", err)
		}
	}
	log.Info("sidecar started", "pid", child.PID, "port", port)
	return child, nil
}

// writerOrNil avoids storing a typed nil in an io.Writer.
func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}
