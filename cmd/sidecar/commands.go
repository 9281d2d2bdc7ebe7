package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/bootstrap"
	"github.com/loykin/sidecar/internal/config"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/loykin/sidecar/internal/reaper"
	"github.com/loykin/sidecar/internal/server"
	"github.com/loykin/sidecar/internal/supervisor"
	"github.com/loykin/sidecar/pkg/client"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	NoStart bool
	Listen  string
}

func loadConfig(flags *GlobalFlags) (*config.Config, error) {
	cfg, err := sidecar.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, io.Closer) {
	return logger.New(cfg.Log.Logger(), w)
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise the weather service and expose the local API",
		Long: `Start the weather service, keep it running and serve the local HTTP API
until SIGINT or SIGTERM. On exit the service and any stale instances are
terminated.

Examples:
  sidecar serve
  sidecar serve --config=sidecar.toml --listen=127.0.0.1:17800
  sidecar serve --no-start            # start lazily on the first request`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags, serveFlags, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.NoStart, "no-start", false, "do not start the service until it is requested")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override [server].listen")
	return cmd
}

func runServe(ctx context.Context, globalFlags *GlobalFlags, flags *ServeFlags, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(globalFlags)
	if err != nil {
		return err
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	log, closer := newLogger(cfg, stderr)
	defer func() { _ = closer.Close() }()

	svc, err := sidecar.New(cfg, sidecar.WithLogger(log), sidecar.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}
	defer svc.Dispose()

	var srv *http.Server
	if cfg.Server.Enabled {
		var gatherer prometheus.Gatherer
		if cfg.Metrics.Enabled {
			gatherer = prometheus.DefaultGatherer
		}
		srv = server.NewServer(cfg.Server.Listen, server.NewRouter(svc, cfg.Server.BasePath, gatherer, log))
		log.Info("local API listening", "addr", cfg.Server.Listen, "base", cfg.Server.BasePath)
	}

	if !flags.NoStart {
		if r := svc.Start(ctx); !r.OK() {
			log.Error("initial start failed", "message", r.Data.Message)
		} else {
			log.Info("weather service ready", "url", r.Data.URL)
		}
	}

	svc.HandleSignals(ctx)
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return nil
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the weather service answers its health endpoint",
		Long: `Without --api-url this probes the configured port once and reads the pid
record; nothing is started. With --api-url the running supervisor answers and
starts the service if it is down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			if globalFlags.APIUrl != "" {
				r, err := apiClient(globalFlags).Status(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), r)
				return nil
			}
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), probeLocal(ctx, cfg))
			return nil
		},
	}
}

type localStatus struct {
	supervisor.Result
	PID int `json:"pid,omitempty"`
}

func probeLocal(ctx context.Context, cfg *config.Config) localStatus {
	url := cfg.BaseURL(cfg.Port)
	pid, _ := pidfile.New(cfg.PIDFile).Read()
	if err := health.NewProber(cfg.HealthPath).Check(ctx, url); err != nil {
		return localStatus{Result: supervisor.Success("weather service is not running", supervisor.StatusStopped, ""), PID: pid}
	}
	return localStatus{Result: supervisor.Success("", supervisor.StatusRunning, url), PID: pid}
}

func createWeatherCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "weather",
		Short: "Fetch current weather through the service",
		Long: `With --api-url the running supervisor is asked. Otherwise the service is
started for this one request and stopped afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			var body json.RawMessage
			if globalFlags.APIUrl != "" {
				b, err := apiClient(globalFlags).Weather(ctx)
				if err != nil {
					return err
				}
				body = b
			} else {
				cfg, err := loadConfig(globalFlags)
				if err != nil {
					return err
				}
				log, closer := newLogger(cfg, cmd.ErrOrStderr())
				defer func() { _ = closer.Close() }()
				cfg.Server.Enabled = false
				cfg.Metrics.Enabled = false
				svc, err := sidecar.New(cfg, sidecar.WithLogger(log))
				if err != nil {
					return err
				}
				defer svc.Dispose()
				body = svc.GetWeatherFromApi(ctx)
			}
			printJSON(cmd.OutOrStdout(), body)
			var r supervisor.Result
			if json.Unmarshal(body, &r) == nil && r.Type == supervisor.ResultError {
				return errors.New(r.Data.Message)
			}
			return nil
		},
	}
}

func createStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Ask a running supervisor to start the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return remoteResult(cmd, globalFlags, (*client.Client).Start)
		},
	}
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running supervisor to stop the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return remoteResult(cmd, globalFlags, (*client.Client).Stop)
		},
	}
}

func remoteResult(cmd *cobra.Command, globalFlags *GlobalFlags, call func(*client.Client, context.Context) (client.Result, error)) error {
	if globalFlags.APIUrl == "" {
		return fmt.Errorf("--api-url is required for %s", cmd.Name())
	}
	r, err := call(apiClient(globalFlags), cmdContext(cmd))
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), r)
	if !r.OK() {
		return errors.New(r.Data.Message)
	}
	return nil
}

func createReapCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Terminate weather service instances left by earlier runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			log, closer := newLogger(cfg, cmd.ErrOrStderr())
			defer func() { _ = closer.Close() }()
			rp := reaper.New(pidfile.New(cfg.PIDFile), cfg.Layout().ScriptPath(), log)
			printJSON(cmd.OutOrStdout(), rp.Reap(cmdContext(cmd)))
			return nil
		},
	}
}

func createBootstrapCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Check the Python runtime and install the service requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			log, closer := newLogger(cfg, cmd.ErrOrStderr())
			defer func() { _ = closer.Close() }()
			layout := cfg.Layout()
			b := bootstrap.New(layout.ResolveRuntime(), layout.ManifestPath(), log)
			var failure error
			b.Notify = func(title string, err error) { failure = fmt.Errorf("%s: %w", title, err) }
			b.EnsureEnvironment(cmdContext(cmd))
			if !b.Installed() {
				if failure == nil {
					failure = bootstrap.ErrDependencyInstallFailed
				}
				return failure
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "python dependencies installed")
			return nil
		},
	}
}

func apiClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: flags.APIUrl})
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) {
	if w == nil {
		w = os.Stdout
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
