package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sidecar/internal/history"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/supervisor"
)

// Backend is what the router drives; *sidecar.Service satisfies it.
type Backend interface {
	Start(ctx context.Context) supervisor.Result
	Stop(ctx context.Context) supervisor.Result
	Status(ctx context.Context) supervisor.Result
	Snapshot() supervisor.Status
	GetWeatherFromApi(ctx context.Context) json.RawMessage
	History(ctx context.Context, limit int) ([]history.Event, error)
	Usage() *metrics.Usage
}

// Router exposes the sidecar to a local UI shell.
// Endpoints:
//
//	GET  {basePath}/weather    current weather, body passed through from the child
//	GET  {basePath}/status     health check; kicks off a start when down
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/snapshot   supervisor state without touching the network
//	GET  {basePath}/platform
//	GET  {basePath}/history    query: limit=N (default 50)
//	GET  /metrics              when a gatherer is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      Backend
	basePath string
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// NewRouter constructs a Router. A nil gatherer disables /metrics.
func NewRouter(svc Backend, basePath string, gatherer prometheus.Gatherer, l *slog.Logger) *Router {
	return &Router{
		svc:      svc,
		basePath: sanitizeBase(basePath),
		gatherer: gatherer,
		log:      logger.OrDefault(l).With("component", "api"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.GET("/weather", r.handleWeather)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/snapshot", r.handleSnapshot)
	group.GET("/platform", r.handlePlatform)
	group.GET("/history", r.handleHistory)
	if r.gatherer != nil {
		g.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// weather requests may wait for a full child start
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("api server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type platformResp struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

type snapshotResp struct {
	supervisor.Status
	Usage *metrics.Usage `json:"usage,omitempty"`
}

func (r *Router) handleWeather(c *gin.Context) {
	// The envelope carries success or failure; transport stays 200.
	c.Data(http.StatusOK, "application/json", r.svc.GetWeatherFromApi(c.Request.Context()))
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Status(c.Request.Context()))
}

func (r *Router) handleStart(c *gin.Context) {
	writeResult(c, r.svc.Start(c.Request.Context()))
}

func (r *Router) handleStop(c *gin.Context) {
	writeResult(c, r.svc.Stop(c.Request.Context()))
}

func (r *Router) handleSnapshot(c *gin.Context) {
	writeJSON(c, http.StatusOK, snapshotResp{Status: r.svc.Snapshot(), Usage: r.svc.Usage()})
}

func (r *Router) handlePlatform(c *gin.Context) {
	writeJSON(c, http.StatusOK, platformResp{Platform: runtime.GOOS, Arch: runtime.GOARCH})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.svc.History(c.Request.Context(), limit)
	if err != nil {
		if errors.Is(err, history.ErrNoReader) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func writeResult(c *gin.Context, res supervisor.Result) {
	code := http.StatusOK
	if !res.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, res)
}
