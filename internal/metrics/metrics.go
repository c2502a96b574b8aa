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

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of successful backend spawns.",
		}, []string{"name"},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of automatic restart attempts.",
		}, []string{"name"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of graceful stops.",
		}, []string{"name"},
	)
	backendForceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "force_kills_total",
			Help:      "Number of out-of-band hard kills, by OS kill result.",
		}, []string{"name", "result"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "health_checks_total",
			Help:      "Number of health probes, by result.",
		}, []string{"name", "result"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "readiness_seconds",
			Help:      "Time from spawn to first healthy probe.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of status transitions.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current status of the backend (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{backendStarts, backendRestarts, backendStops, backendForceKills,
		healthChecks, readinessDuration, stateTransitions, currentStates}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		backendStops.WithLabelValues(name).Inc()
	}
}
func IncForceKill(name string, killErr error) {
	if regOK.Load() {
		backendForceKills.WithLabelValues(name, result(killErr == nil)).Inc()
	}
}
func ObserveHealthCheck(name string, healthy bool) {
	if regOK.Load() {
		healthChecks.WithLabelValues(name, result(healthy)).Inc()
	}
}
func ObserveReadiness(name string, seconds float64) {
	if regOK.Load() {
		readinessDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the only active one among states.
func SetCurrentState(name, state string, states []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range states {
		var v float64
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
