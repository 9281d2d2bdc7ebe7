// Package stub is a stand-in for the Python weather service. It speaks the
// same contract (--server --port N, GET /docs, GET /weather/current, pid
// file) so the supervisor can be exercised without an interpreter.
package stub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"

	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/pidfile"
)

// ErrCrash is returned by Run when CrashAfter elapsed; callers exit with
// Options.CrashCode.
var ErrCrash = errors.New("stub crash requested")

type Options struct {
	Server     bool
	Host       string
	Port       int
	PIDFile    string
	ReadyDelay time.Duration // /docs answers 503 until this elapsed; <0 never ready
	CrashAfter time.Duration // 0 disables
	CrashCode  int
	City       string
}

// ParseArgs accepts the child command line. Unknown flags are rejected so a
// contract drift shows up as a launch failure.
func ParseArgs(args []string) (Options, error) {
	o := Options{Host: "127.0.0.1", Port: 8000, City: "Seoul", CrashCode: 1}
	fs := pflag.NewFlagSet("weather-stub", pflag.ContinueOnError)
	fs.BoolVar(&o.Server, "server", false, "run the HTTP server")
	fs.IntVar(&o.Port, "port", o.Port, "listen port")
	fs.StringVar(&o.Host, "host", o.Host, "listen host")
	fs.StringVar(&o.PIDFile, "pid-file", "", "pid record to write while serving")
	fs.DurationVar(&o.ReadyDelay, "ready-delay", 0, "delay before /docs reports healthy (negative: never)")
	fs.DurationVar(&o.CrashAfter, "crash-after", 0, "exit with --crash-code after this duration")
	fs.IntVar(&o.CrashCode, "crash-code", o.CrashCode, "exit code used by --crash-after")
	fs.StringVar(&o.City, "city", o.City, "city reported by /weather/current")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

// Weather is the payload under data.weather.
type Weather struct {
	Sky         string  `json:"sky"`
	Temperature string  `json:"temperature"`
	RawTemp     float64 `json:"raw_temp"`
	City        string  `json:"city"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Timestamp   int64   `json:"timestamp"`
	Icon        string  `json:"icon"`
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// FormatTemperature renders a Celsius reading the way the desktop shell
// displays it.
func FormatTemperature(c float64) string {
	if c < 0 {
		return fmt.Sprintf("영하 -%d(C)", int(-c))
	}
	return strconv.FormatFloat(c, 'f', -1, 64) + "(C)"
}

// New builds the echo app.
func New(o Options, l *slog.Logger) *echo.Echo {
	log := logger.OrDefault(l)
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("request", "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	started := time.Now()
	var served atomic.Int64
	e.GET("/docs", func(c echo.Context) error {
		if o.ReadyDelay < 0 || time.Since(started) < o.ReadyDelay {
			return c.String(http.StatusServiceUnavailable, "starting")
		}
		return c.HTML(http.StatusOK, "<html><title>weather service</title></html>")
	})
	e.GET("/weather/current", func(c echo.Context) error {
		n := served.Add(1)
		w := Weather{
			Sky:       "맑음",
			RawTemp:   21.5,
			City:      o.City,
			Humidity:  40,
			WindSpeed: 2.1,
			Timestamp: time.Now().Unix(),
			Icon:      "01d",
		}
		w.Temperature = FormatTemperature(w.RawTemp)
		c.Response().Header().Set("X-Stub-Requests", strconv.FormatInt(n, 10))
		return c.JSON(http.StatusOK, envelope{Type: "success", Data: map[string]any{"weather": w}})
	})
	return e
}

// Run serves until ctx is cancelled or CrashAfter elapses. The pid file, if
// configured, exists exactly while serving.
func Run(ctx context.Context, o Options, l *slog.Logger, pid int) error {
	log := logger.OrDefault(l)
	if !o.Server {
		return errors.New("stub only supports --server mode")
	}
	e := New(o, log)
	ln, err := net.Listen("tcp", net.JoinHostPort(o.Host, strconv.Itoa(o.Port)))
	if err != nil {
		return err
	}
	e.Listener = ln

	rec := pidfile.New(o.PIDFile)
	if err := rec.Write(pid); err != nil {
		log.Warn("pid file write failed", "error", err)
	}
	defer func() { _ = rec.RemoveIf(pid) }()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start("") }()
	log.Info("weather stub listening", "addr", ln.Addr().String(), "pid", pid)

	var crash <-chan time.Time
	if o.CrashAfter > 0 {
		t := time.NewTimer(o.CrashAfter)
		defer t.Stop()
		crash = t.C
	}

	var result error
	select {
	case <-ctx.Done():
	case <-crash:
		result = ErrCrash
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.Shutdown(sctx)
	return result
}
