package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/supervisor"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	rec        *supervisor.ProcessRecord
	startErr   error
	stopErr    error
	monitoring bool
	calls      []string
	startCtx   context.Context
}

func (f *fakeSupervisor) call(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeSupervisor) Start(ctx context.Context) (supervisor.ProcessRecord, error) {
	f.call("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCtx = ctx
	if f.startErr != nil {
		return supervisor.ProcessRecord{}, f.startErr
	}
	f.rec = &supervisor.ProcessRecord{PID: 42, StartTime: time.Now().Unix(), State: supervisor.StateRunning}
	return *f.rec, nil
}

func (f *fakeSupervisor) Stop(context.Context) error {
	f.call("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if f.rec != nil {
		f.rec.State = supervisor.StateStopped
	}
	return nil
}

func (f *fakeSupervisor) Restart(ctx context.Context) (supervisor.ProcessRecord, error) {
	f.call("restart")
	return f.Start(ctx)
}

func (f *fakeSupervisor) ForceKill(context.Context) error {
	f.call("force-kill")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec != nil {
		f.rec.State = supervisor.StateStopped
	}
	return nil
}

func (f *fakeSupervisor) Status() (supervisor.ProcessRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return supervisor.ProcessRecord{}, false
	}
	return *f.rec, true
}

func (f *fakeSupervisor) IsRunning(context.Context) bool {
	rec, ok := f.Status()
	return ok && rec.State == supervisor.StateRunning
}

func (f *fakeSupervisor) BackendStatus(ctx context.Context) supervisor.BackendStatus {
	st := supervisor.BackendStatus{Running: f.IsRunning(ctx), Port: 8000}
	if rec, ok := f.Status(); ok {
		st.Record = &rec
	}
	return st
}

func (f *fakeSupervisor) StartMonitoring(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitoring {
		return supervisor.ErrAlreadyMonitoring
	}
	f.monitoring = true
	return nil
}

func (f *fakeSupervisor) StopMonitoring() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoring = false
	return nil
}

func (f *fakeSupervisor) Monitoring() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitoring
}

type fakeResources []metrics.Sample

func (f fakeResources) History() []metrics.Sample { return f }

func setupRouter(t *testing.T, base string, opts ...Option) (http.Handler, *fakeSupervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := &fakeSupervisor{}
	return NewRouter(context.Background(), sup, base, opts...).Handler(), sup
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestStatusBeforeStartIsNull(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", string(rec.Body.Bytes()[:4]))

	rec = doReq(t, h, http.MethodGet, "/api/running")
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())
}

func TestStartStopFlow(t *testing.T) {
	h, sup := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/start")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "backend started", body["message"])
	assert.Equal(t, float64(42), body["record"].(map[string]any)["pid"])
	assert.NotNil(t, sup.startCtx)

	rec = doReq(t, h, http.MethodGet, "/api/status")
	body = decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(0), body["restart_count"])

	rec = doReq(t, h, http.MethodGet, "/api/running")
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, "stopped", decode(t, rec)["status"])

	rec = doReq(t, h, http.MethodPost, "/api/restart")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/force-kill")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start", "stop", "restart", "start", "force-kill"}, sup.calls)
}

func TestStartErrorMapsStatus(t *testing.T) {
	h, sup := setupRouter(t, "")
	sup.startErr = &supervisor.OpError{Op: "resolve", Path: "/x/python-backend", Kind: supervisor.ErrDirectoryNotFound}
	rec := doReq(t, h, http.MethodPost, "/start")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "directory")

	sup.startErr = &supervisor.OpError{Op: "ready", Kind: supervisor.ErrReadinessTimeout}
	rec = doReq(t, h, http.MethodPost, "/start")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestBackendStatus(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	doReq(t, h, http.MethodPost, "/api/start")
	rec := doReq(t, h, http.MethodGet, "/api/backend")
	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(8000), body["port"])
	assert.NotNil(t, body["record"])
}

func TestMonitoringEndpoints(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodPost, "/api/monitoring/start")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/monitoring/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/monitoring")
	assert.JSONEq(t, `{"monitoring":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/monitoring/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/monitoring")
	assert.JSONEq(t, `{"monitoring":false}`, rec.Body.String())
}

func TestOptionalRoutes(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/metrics").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/backend/resources").Code)

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "warden_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	samples := fakeResources{{PID: 42, CPUPercent: 1.5, MemoryMB: 12}}
	h, _ = setupRouter(t, "/api", WithMetrics(reg), WithResources(samples))

	rec := doReq(t, h, http.MethodGet, "/api/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warden_test_total 1")

	rec = doReq(t, h, http.MethodGet, "/api/backend/resources")
	assert.Equal(t, http.StatusOK, rec.Code)
	var got []metrics.Sample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int32(42), got[0].PID)
}

func TestNewServerServes(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	srv, err := NewServer("127.0.0.1:0", h)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/api/running")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(srv.Addr, h)
	assert.Error(t, err)
}
