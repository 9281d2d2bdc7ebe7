// Package bootstrap makes sure the sidecar's interpreter works and its
// dependencies are installed before the first launch.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/loykin/sidecar/internal/logger"
)

var (
	ErrEnvironmentCheckFailed  = errors.New("python environment check failed")
	ErrDependencyInstallFailed = errors.New("python dependency install failed")
)

// DefaultStepTimeout bounds each external command.
const DefaultStepTimeout = 10 * time.Minute

// Runner executes name with args, streaming combined output to out.
type Runner interface {
	Run(ctx context.Context, out io.Writer, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, out io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

// Notifier surfaces a user-visible, non-fatal problem (a dialog in the
// desktop shell, a log line on the CLI).
type Notifier func(title string, err error)

// Bootstrapper owns the install state for one supervisor.
type Bootstrapper struct {
	Runtime     string
	Manifest    string
	Runner      Runner
	Notify      Notifier
	Logger      *slog.Logger
	StepTimeout time.Duration

	installing atomic.Bool
	installed  atomic.Bool
}

func New(runtime, manifest string, l *slog.Logger) *Bootstrapper {
	return &Bootstrapper{Runtime: runtime, Manifest: manifest, Runner: ExecRunner{}, Logger: l}
}

// Installed reports whether dependencies were installed successfully.
func (b *Bootstrapper) Installed() bool { return b.installed.Load() }

// Installing reports whether an attempt is in flight.
func (b *Bootstrapper) Installing() bool { return b.installing.Load() }

// EnsureEnvironment verifies the interpreter and installs dependencies once.
// Failures are logged and reported through Notify, never returned: the
// launch that follows surfaces the real problem. A concurrent caller returns
// immediately while another attempt is running.
func (b *Bootstrapper) EnsureEnvironment(ctx context.Context) {
	if b.installed.Load() {
		return
	}
	if !b.installing.CompareAndSwap(false, true) {
		b.log().Debug("dependency install already in progress")
		return
	}
	defer b.installing.Store(false)

	if err := b.checkRuntime(ctx); err != nil {
		b.log().Error("python environment check failed", "runtime", b.Runtime, "error", err)
		b.notify("Python environment error", err)
		return
	}
	if err := b.install(ctx); err != nil {
		b.log().Error("python dependency install failed", "manifest", b.Manifest, "error", err)
		return
	}
	b.installed.Store(true)
	b.log().Info("python dependencies installed", "manifest", b.Manifest)
}

func (b *Bootstrapper) checkRuntime(ctx context.Context) error {
	if err := b.run(ctx, "--version"); err != nil {
		return fmt.Errorf("%w: %s --version: %w", ErrEnvironmentCheckFailed, b.Runtime, err)
	}
	return nil
}

func (b *Bootstrapper) install(ctx context.Context) error {
	if err := b.run(ctx, "-m", "pip", "install", "--upgrade", "pip"); err != nil {
		// An outdated pip can still install; carry on.
		b.log().Warn("pip upgrade failed", "error", err)
	}
	if _, err := os.Stat(b.Manifest); err != nil {
		return fmt.Errorf("%w: manifest %s: %w", ErrDependencyInstallFailed, b.Manifest, err)
	}
	b.log().Info("installing python dependencies", "manifest", b.Manifest)
	if err := b.run(ctx, "-m", "pip", "install", "-r", b.Manifest, "--user"); err != nil {
		return fmt.Errorf("%w: %w", ErrDependencyInstallFailed, err)
	}
	return nil
}

func (b *Bootstrapper) run(ctx context.Context, args ...string) error {
	timeout := b.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out := logger.NewLineWriter(b.log().With("component", "installer"), slog.LevelDebug, nil)
	defer func() { _ = out.Close() }()
	runner := b.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	return runner.Run(cctx, out, b.Runtime, args...)
}

func (b *Bootstrapper) notify(title string, err error) {
	if b.Notify != nil {
		b.Notify(title, err)
	}
}

func (b *Bootstrapper) log() *slog.Logger { return logger.OrDefault(b.Logger) }
