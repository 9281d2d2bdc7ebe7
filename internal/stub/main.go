package stub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loykin/sidecar/internal/logger"
)

const (
	// HelperEnv makes a test binary behave as the stub (see RunIfHelper).
	HelperEnv = "SIDECAR_STUB_HELPER"
	// FlagsEnv carries extra space-separated flags appended to the command line.
	FlagsEnv = "SIDECAR_STUB_FLAGS"
)

// Main runs the stub as a process entry point and returns the exit code.
// A leading positional argument (the script path when launched as
// "<runtime> <script> --server ...") is ignored.
func Main(args []string) int {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	if extra := os.Getenv(FlagsEnv); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	opts, err := ParseArgs(args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log, closer := logger.New(logger.Config{Level: "info"}, os.Stderr)
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := Run(ctx, opts, log, os.Getpid()); err != nil {
		if errors.Is(err, ErrCrash) {
			log.Warn("crashing on request", "code", opts.CrashCode)
			return opts.CrashCode
		}
		log.Error("weather stub failed", "error", err)
		return 1
	}
	return 0
}

// RunIfHelper is called from TestMain: when HelperEnv is set the test binary
// becomes the stub and exits without running tests.
func RunIfHelper() {
	if os.Getenv(HelperEnv) != "1" {
		return
	}
	os.Exit(Main(os.Args[1:]))
}
