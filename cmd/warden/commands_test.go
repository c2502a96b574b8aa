package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/pkg/client"
)

func fakeDaemon(t *testing.T, started bool) *GlobalFlags {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !started {
			_, _ = w.Write([]byte("null\n"))
			return
		}
		_, _ = w.Write([]byte(`{"pid":12,"start_time":1,"restart_count":1,"last_health_check":2,"status":"running"}`))
	})
	mux.HandleFunc("/api/backend", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"running":true,"port":8000,"uptime_seconds":90}`))
	})
	mux.HandleFunc("/api/backend/resources", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"pid":12,"cpu_percent":1},{"pid":12,"cpu_percent":2}]`))
	})
	mux.HandleFunc("/api/start", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"message":"backend started","record":{"pid":12,"status":"running"}}`))
	})
	mux.HandleFunc("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"stop: kill failed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &GlobalFlags{APIUrl: srv.URL + "/api", APITimeout: 5 * time.Second}
}

func TestStatusCommandNotStarted(t *testing.T) {
	api := apiCommand{flags: fakeDaemon(t, false)}
	var out bytes.Buffer
	require.NoError(t, api.Status(context.Background(), &out, false))
	assert.Contains(t, out.String(), "not been started")
}

func TestStatusCommandRecord(t *testing.T) {
	api := apiCommand{flags: fakeDaemon(t, true)}
	var out bytes.Buffer
	require.NoError(t, api.Status(context.Background(), &out, false))
	assert.Contains(t, out.String(), `"status": "running"`)
	assert.Contains(t, out.String(), `"restart_count": 1`)
}

func TestStatusCommandDetailed(t *testing.T) {
	api := apiCommand{flags: fakeDaemon(t, true)}
	var out bytes.Buffer
	require.NoError(t, api.Status(context.Background(), &out, true))
	assert.Contains(t, out.String(), `"uptime": "1m30s"`)
	assert.Contains(t, out.String(), `"cpu_percent": 2`)
}

func TestLifecycleCommands(t *testing.T) {
	api := apiCommand{flags: fakeDaemon(t, true)}
	var out bytes.Buffer
	require.NoError(t, api.Lifecycle(context.Background(), &out, (*client.Client).Start))
	assert.Contains(t, out.String(), "backend started")
	assert.Contains(t, out.String(), `"pid": 12`)

	err := api.Lifecycle(context.Background(), &out, (*client.Client).Stop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kill failed")
}

func TestCommandsThroughCobra(t *testing.T) {
	flags := fakeDaemon(t, true)
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"start", "--api-url", flags.APIUrl})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "backend started")
}
