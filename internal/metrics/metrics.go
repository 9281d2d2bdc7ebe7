package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of sidecar starts that reached ready.",
		}, []string{"name"},
	)
	processStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "start_failures_total",
			Help:      "Number of start attempts that failed, by reason.",
		}, []string{"name", "reason"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after an unexpected exit.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of requested stops.",
		}, []string{"name"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "readiness_duration_seconds",
			Help:      "Time from spawn until the health endpoint answered.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"name"},
	)
	listenPort = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "port",
			Help:      "Port the ready sidecar listens on (0 when not ready).",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	reapSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "reaper",
			Name:      "steps_total",
			Help:      "Stale-instance reaper steps by outcome.",
		}, []string{"step", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStartFailures, processRestarts, processStops,
		readinessDuration, listenPort, stateTransitions, currentStates, reapSteps,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a test registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name, reason string) {
	if regOK.Load() {
		processStartFailures.WithLabelValues(name, reason).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func ObserveReadiness(name string, seconds float64) {
	if regOK.Load() {
		readinessDuration.WithLabelValues(name).Observe(seconds)
	}
}

func SetPort(name string, port int) {
	if regOK.Load() {
		listenPort.WithLabelValues(name).Set(float64(port))
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state active and every other known state inactive.
func SetCurrentState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func IncReapStep(step, outcome string) {
	if regOK.Load() {
		reapSteps.WithLabelValues(step, outcome).Inc()
	}
}
