// Package warden supervises one local Python backend: it launches the
// interpreter on the backend script, waits for its health endpoint, restarts
// it on crash or failed health checks, and stops or force-kills it on request.
package warden

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/metrics"
	iapi "github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Supervisor = supervisor.Supervisor

type Options = supervisor.Options

type ProcessRecord = supervisor.ProcessRecord

type BackendStatus = supervisor.BackendStatus

type State = supervisor.State

type OpError = supervisor.OpError

type Config = cfg.Config

type HistoryEvent = history.Event

type HistorySink = history.Sink

const (
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateStopping = supervisor.StateStopping
	StateStopped  = supervisor.StateStopped
	StateError    = supervisor.StateError
)

// Error kinds, for errors.Is.
var (
	ErrExecutableNotFound = supervisor.ErrExecutableNotFound
	ErrScriptNotFound     = supervisor.ErrScriptNotFound
	ErrDirectoryNotFound  = supervisor.ErrDirectoryNotFound
	ErrSpawnFailure       = supervisor.ErrSpawnFailure
	ErrReadinessTimeout   = supervisor.ErrReadinessTimeout
	ErrHealthCheckFailure = supervisor.ErrHealthCheckFailure
	ErrKillFailure        = supervisor.ErrKillFailure
	ErrAlreadyRunning     = supervisor.ErrAlreadyRunning
	ErrAborted            = supervisor.ErrAborted
	ErrAlreadyMonitoring  = supervisor.ErrAlreadyMonitoring
)

// New returns an idle supervisor for opts.
func New(opts Options) (*Supervisor, error) { return supervisor.New(opts) }

// LoadConfig reads a config file (empty path = defaults) with WARDEN_ overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewFromConfig builds a supervisor from configuration, with history sinks
// opened from history.dsn. Call Shutdown to stop the backend and flush history.
func NewFromConfig(c *Config) (*Supervisor, error) {
	opts, err := c.SupervisorOptions()
	if err != nil {
		return nil, err
	}
	sinks, err := factory.OpenAll(c.History.DSN)
	if err != nil {
		return nil, err
	}
	opts.History = history.NewDispatcher(sinks, 0)
	s, err := supervisor.New(opts)
	if err != nil {
		_ = opts.History.Close()
		return nil, err
	}
	return s, nil
}

// NewHistorySinkFromDSN opens a history sink: sqlite, postgres, clickhouse or opensearch.
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// RegisterMetrics registers warden's collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers with the default Prometheus registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }

// NewHandler returns the control API for s mounted at basePath. Lifecycle
// operations and monitoring started through it run under ctx.
func NewHandler(ctx context.Context, s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(ctx, s, basePath).Handler()
}

// NewHTTPServer listens on addr and serves h in the background.
func NewHTTPServer(addr string, h http.Handler) (*http.Server, error) {
	return iapi.NewServer(addr, h)
}
