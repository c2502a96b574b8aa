// Package server exposes the supervisor over a small JSON HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the API drives.
type Supervisor interface {
	Start(ctx context.Context) (supervisor.ProcessRecord, error)
	Stop(ctx context.Context) error
	Restart(ctx context.Context) (supervisor.ProcessRecord, error)
	ForceKill(ctx context.Context) error
	Status() (supervisor.ProcessRecord, bool)
	IsRunning(ctx context.Context) bool
	BackendStatus(ctx context.Context) supervisor.BackendStatus
	StartMonitoring(ctx context.Context) error
	StopMonitoring() error
	Monitoring() bool
}

// Resources returns recent backend resource samples.
type Resources interface {
	History() []metrics.Sample
}

// Router serves the control API.
// Endpoints, relative to basePath:
//
//	GET  /status              current record or null
//	GET  /running             {"running": bool}
//	GET  /backend             backend status summary
//	GET  /backend/resources   CPU and memory samples (when a sampler is set)
//	GET  /monitoring          {"monitoring": bool}
//	POST /start, /stop, /restart, /force-kill
//	POST /monitoring/start, /monitoring/stop
//	GET  /metrics             Prometheus exposition (when a gatherer is set)
type Router struct {
	sup       Supervisor
	basePath  string
	ctx       context.Context
	gatherer  prometheus.Gatherer
	resources Resources
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics serves g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(r *Router) { r.gatherer = g } }

// WithResources serves sampler history at /backend/resources.
func WithResources(res Resources) Option { return func(r *Router) { r.resources = res } }

// NewRouter builds a router. Lifecycle operations and monitoring run under ctx
// rather than the request context, so a disconnecting client cannot abort a
// start halfway.
func NewRouter(ctx context.Context, sup Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: sanitizeBase(basePath), ctx: ctx}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/running", r.handleRunning)
	group.GET("/backend", r.handleBackend)
	group.GET("/monitoring", r.handleMonitoring)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/force-kill", r.handleForceKill)
	group.POST("/monitoring/start", r.handleMonitoringStart)
	group.POST("/monitoring/stop", r.handleMonitoringStop)
	if r.resources != nil {
		group.GET("/backend/resources", r.handleResources)
	}
	if r.gatherer != nil {
		h := metrics.HandlerFor(r.gatherer)
		group.GET("/metrics", gin.WrapH(h))
	}
	return g
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("API request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// NewServer listens on addr and serves h in the background. Bind errors are
// returned; later serve errors are logged.
func NewServer(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start and restart may wait out the readiness window
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server stopped", "addr", server.Addr, "error", err)
		}
	}()
	slog.Info("API server listening", "addr", server.Addr)
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool                      `json:"ok"`
	Message string                    `json:"message,omitempty"`
	Record  *supervisor.ProcessRecord `json:"record,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	rec, ok := r.sup.Status()
	if !ok {
		writeJSON(c, http.StatusOK, nil)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleRunning(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]bool{"running": r.sup.IsRunning(c.Request.Context())})
}

func (r *Router) handleBackend(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.BackendStatus(c.Request.Context()))
}

func (r *Router) handleResources(c *gin.Context) {
	samples := r.resources.History()
	if samples == nil {
		samples = []metrics.Sample{}
	}
	writeJSON(c, http.StatusOK, samples)
}

func (r *Router) handleMonitoring(c *gin.Context) {
	writeJSON(c, http.StatusOK, map[string]bool{"monitoring": r.sup.Monitoring()})
}

func (r *Router) handleStart(c *gin.Context) {
	rec, err := r.sup.Start(r.ctx)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "backend started", Record: &rec})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sup.Stop(r.ctx); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "backend stopped"})
}

func (r *Router) handleRestart(c *gin.Context) {
	rec, err := r.sup.Restart(r.ctx)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "backend restarted", Record: &rec})
}

func (r *Router) handleForceKill(c *gin.Context) {
	if err := r.sup.ForceKill(r.ctx); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "backend force killed"})
}

func (r *Router) handleMonitoringStart(c *gin.Context) {
	if err := r.sup.StartMonitoring(r.ctx); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "monitoring started"})
}

func (r *Router) handleMonitoringStop(c *gin.Context) {
	if err := r.sup.StopMonitoring(); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "monitoring stopped"})
}
