//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/retry"
	"github.com/loykin/warden/internal/stub"
)

const (
	stubEnv        = "WARDEN_STUB_BACKEND"
	stubAddrEnv    = "WARDEN_STUB_ADDR"
	stubHealthyEnv = "WARDEN_STUB_HEALTHY_FOR"
	stubModeEnv    = "WARDEN_STUB_MODE"
	stubDelayEnv   = "WARDEN_STUB_DELAY"
)

// TestMain lets the test binary double as the backend: the supervisor spawns
// os.Args[0] with stubEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(stubEnv) == "1" {
		os.Exit(runStub())
	}
	os.Exit(m.Run())
}

func runStub() int {
	healthy, _ := time.ParseDuration(os.Getenv(stubHealthyEnv))
	delay, _ := time.ParseDuration(os.Getenv(stubDelayEnv))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := stub.Run(ctx, stub.Options{
		Addr:       os.Getenv(stubAddrEnv),
		HealthyFor: healthy,
		Mode:       os.Getenv(stubModeEnv),
		StartDelay: delay,
	})
	if err != nil {
		return 1
	}
	return 0
}

type stubSpec struct {
	mode       string
	healthyFor time.Duration
	delay      time.Duration
	addr       string // overrides the free port
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func backendTree(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "python-backend"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "python-backend", "main.py"), []byte("print('hi')\n"), 0o644))
	return base
}

func testOptions(t *testing.T, spec stubSpec) Options {
	t.Helper()
	addr := freeAddr(t)
	listen := addr
	if spec.addr != "" {
		listen = spec.addr
	}
	environ := env.New().
		WithSet(stubEnv, "1").
		WithSet(stubAddrEnv, listen).
		WithSet(stubModeEnv, spec.mode).
		WithSet(stubHealthyEnv, spec.healthyFor.String()).
		WithSet(stubDelayEnv, spec.delay.String())
	return Options{
		Launcher: launcher.Config{
			Name:        "backend",
			Executables: []string{os.Args[0]},
			VersionArg:  "-test.run=^$",
			Script:      "python-backend/main.py",
			WorkDir:     "python-backend",
			BaseDir:     backendTree(t),
			Env:         environ,
		},
		Probe:             health.New("backend", "http://"+addr+"/health", time.Second),
		Interval:          time.Hour,
		ReadinessTimeout:  10 * time.Second,
		ReadinessInterval: 50 * time.Millisecond,
		StopTimeout:       3 * time.Second,
		RestartDelay:      10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.StopMonitoring()
		if h := s.st.currentHandle(); h != nil {
			_ = h.Kill()
		}
	})
	return s
}

func waitExited(t *testing.T, s *Supervisor) {
	t.Helper()
	h := s.st.currentHandle()
	require.NotNil(t, h)
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("backend did not exit")
	}
}

func TestNewRequiresProbe(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStartReportsRunning(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	s := newTestSupervisor(t, opts)
	ctx := context.Background()

	rec, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.Positive(t, rec.PID)
	assert.Zero(t, rec.RestartCount)
	assert.NotZero(t, rec.StartTime)
	assert.NotZero(t, rec.LastHealthCheck)
	assert.Equal(t, rec.PID, s.PID())
	assert.True(t, s.IsRunning(ctx))

	st := s.BackendStatus(ctx)
	assert.True(t, st.Running)
	port, err := health.Port(opts.Probe.URL)
	require.NoError(t, err)
	assert.Equal(t, port, st.Port)
	require.NotNil(t, st.UptimeSeconds)
	require.NotNil(t, st.Record)
	assert.Empty(t, st.LastError)
}

func TestStartOnHealthyBackendReturnsExisting(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{}))
	first, err := s.Start(context.Background())
	require.NoError(t, err)
	second, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.PID, second.PID)
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{}))
	var wg sync.WaitGroup
	pids := make([]int, 2)
	errs := make([]error, 2)
	for i := range pids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.Start(context.Background())
			pids[i], errs[i] = rec.PID, err
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, pids[0], pids[1])
}

func TestStartDirectoryNotFoundCreatesNoRecord(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	opts.Launcher.BaseDir = t.TempDir()
	s := newTestSupervisor(t, opts)

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
	_, ok := s.Status()
	assert.False(t, ok)
	assert.False(t, s.IsRunning(context.Background()))
}

func TestStartBackendExitsDuringStartup(t *testing.T) {
	// the stub cannot listen on this address and exits non-zero
	s := newTestSupervisor(t, testOptions(t, stubSpec{addr: "256.0.0.1:1"}))
	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)

	rec, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateError, rec.State)
	assert.Contains(t, rec.Reason, "exited during startup")
	assert.Zero(t, s.PID())
}

func TestStartReadinessTimeout(t *testing.T) {
	opts := testOptions(t, stubSpec{delay: time.Minute})
	opts.ReadinessTimeout = 500 * time.Millisecond
	s := newTestSupervisor(t, opts)

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadinessTimeout)
	assert.ErrorIs(t, err, ErrHealthCheckFailure, "the last probe error is kept as the cause")

	rec, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateError, rec.State)
	assert.Eventually(t, func() bool { return !process.Exists(rec.PID) }, 5*time.Second, 50*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{}))
	ctx := context.Background()

	require.NoError(t, s.Stop(ctx))
	_, ok := s.Status()
	assert.False(t, ok)

	rec, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))

	got, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateStopped, got.State)
	assert.False(t, s.IsRunning(ctx))
	assert.Zero(t, s.PID())
	assert.Eventually(t, func() bool { return !process.Exists(rec.PID) }, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	got, _ = s.Status()
	assert.Equal(t, StateStopped, got.State)

	st := s.BackendStatus(ctx)
	assert.False(t, st.Running)
	assert.Nil(t, st.UptimeSeconds)
}

func TestStopWritesAndRemovesPIDFile(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	opts.PIDFile = filepath.Join(t.TempDir(), "run", "backend.pid")
	s := newTestSupervisor(t, opts)

	rec, err := s.Start(context.Background())
	require.NoError(t, err)
	pid, err := process.ReadPIDFile(opts.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, rec.PID, pid)

	require.NoError(t, s.Stop(context.Background()))
	_, err = os.Stat(opts.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestForceKillStopsEvenWhenKillerFails(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	var called atomic.Int64
	opts.Killer = process.KillerFunc(func(_ context.Context, pid int) error {
		called.Store(int64(pid))
		return errors.New("taskkill: access denied")
	})
	s := newTestSupervisor(t, opts)
	ctx := context.Background()

	rec, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ForceKill(ctx))

	assert.Equal(t, int64(rec.PID), called.Load())
	got, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateStopped, got.State)
	assert.False(t, s.IsRunning(ctx))
	assert.Eventually(t, func() bool { return !process.Exists(rec.PID) }, 5*time.Second, 50*time.Millisecond)
}

func TestForceKillWithoutBackend(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	opts.Killer = process.KillerFunc(func(context.Context, int) error {
		t.Fatal("killer must not run without a record")
		return nil
	})
	s := newTestSupervisor(t, opts)
	require.NoError(t, s.ForceKill(context.Background()))
	_, ok := s.Status()
	assert.False(t, ok)
}

func TestForceKillSkipsReusedPID(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	var called atomic.Bool
	opts.Killer = process.KillerFunc(func(context.Context, int) error {
		called.Store(true)
		return nil
	})
	s := newTestSupervisor(t, opts)
	rec, err := s.Start(context.Background())
	require.NoError(t, err)
	if process.StartTime(rec.PID).IsZero() {
		t.Skip("process start time unavailable on this platform")
	}

	s.st.mu.Lock()
	s.st.record.StartTime -= 3600
	s.st.mu.Unlock()

	require.NoError(t, s.ForceKill(context.Background()))
	assert.False(t, called.Load())
	got, _ := s.Status()
	assert.Equal(t, StateStopped, got.State)
}

func TestForceKillAbortsInFlightStart(t *testing.T) {
	opts := testOptions(t, stubSpec{delay: time.Minute})
	opts.ReadinessTimeout = 30 * time.Second
	opts.Killer = process.KillerFunc(func(context.Context, int) error { return nil })
	s := newTestSupervisor(t, opts)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		rec, ok := s.Status()
		return ok && rec.State == StateStarting
	}, 10*time.Second, 20*time.Millisecond)
	rec, _ := s.Status()

	require.NoError(t, s.ForceKill(context.Background()))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return after force kill")
	}
	got, _ := s.Status()
	assert.Equal(t, StateStopped, got.State)
	assert.Eventually(t, func() bool { return !process.Exists(rec.PID) }, 5*time.Second, 50*time.Millisecond)
}

func TestStopAbortsInFlightStart(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{delay: time.Minute}))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		rec, ok := s.Status()
		return ok && rec.State == StateStarting
	}, 10*time.Second, 20*time.Millisecond)
	rec, _ := s.Status()

	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not return after stop")
	}
	got, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateStopped, got.State)
	assert.Nil(t, s.st.currentHandle())
	assert.False(t, process.Exists(rec.PID), "stop waits for the new instance to exit")
}

func TestStopDuringTickRestart(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{mode: stub.ModeExit, healthyFor: time.Second}))
	ctx := context.Background()
	first, err := s.Start(ctx)
	require.NoError(t, err)

	// the replacement never becomes ready on its own
	s.opts.Launcher.Env = s.opts.Launcher.Env.WithSet(stubDelayEnv, time.Minute.String())
	waitExited(t, s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.tick(ctx)
	}()
	require.Eventually(t, func() bool {
		rec, ok := s.Status()
		return ok && rec.State == StateStarting && rec.PID != first.PID
	}, 10*time.Second, 20*time.Millisecond)
	replacement, _ := s.Status()
	assert.Equal(t, uint64(1), replacement.RestartCount)

	require.NoError(t, s.Stop(ctx))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tick did not return after stop")
	}

	rec, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateStopped, rec.State)
	assert.Equal(t, uint64(1), rec.RestartCount)
	assert.Nil(t, s.st.currentHandle())
	assert.False(t, process.Exists(replacement.PID))
	failures, _, _ := s.st.backoffState()
	assert.Equal(t, 1, failures, "an aborted restart counts as a failed attempt")

	// a later tick leaves the stopped backend alone
	s.tick(ctx)
	rec, _ = s.Status()
	assert.Equal(t, StateStopped, rec.State)
	assert.Equal(t, uint64(1), rec.RestartCount)
}

func TestRestartForceKillsWhenStopFails(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	opts.RestartDelay = 500 * time.Millisecond // let the killed stub release its port
	var killed atomic.Int64
	opts.Killer = process.KillerFunc(func(ctx context.Context, pid int) error {
		killed.Store(int64(pid))
		return process.DefaultKiller().Kill(ctx, pid)
	})
	s := newTestSupervisor(t, opts)
	ctx := context.Background()
	first, err := s.Start(ctx)
	require.NoError(t, err)

	s.terminate = func(*process.Handle, time.Duration) error { return errors.New("pid did not exit after kill") }

	second, err := s.Restart(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(first.PID), killed.Load())
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, StateRunning, second.State)
	assert.Eventually(t, func() bool { return !process.Exists(first.PID) }, 5*time.Second, 50*time.Millisecond)
}

func TestRestartReplacesProcess(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{}))
	ctx := context.Background()
	first, err := s.Start(ctx)
	require.NoError(t, err)

	second, err := s.Restart(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, StateRunning, second.State)
	assert.Zero(t, second.RestartCount)
}

func TestTickRestartsExitedBackend(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{mode: stub.ModeExit, healthyFor: 2 * time.Second}))
	ctx := context.Background()
	first, err := s.Start(ctx)
	require.NoError(t, err)

	waitExited(t, s)
	s.tick(ctx)

	rec, ok := s.Status()
	require.True(t, ok)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, uint64(1), rec.RestartCount)
	assert.NotEqual(t, first.PID, rec.PID)
}

func TestUnhealthyBackendIsErrorThenRecovers(t *testing.T) {
	opts := testOptions(t, stubSpec{mode: stub.ModeUnhealthy, healthyFor: time.Second})
	s := newTestSupervisor(t, opts)
	ctx := context.Background()
	first, err := s.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return opts.Probe.Ping(ctx) != nil }, 10*time.Second, 50*time.Millisecond)
	assert.False(t, s.IsRunning(ctx))
	rec, _ := s.Status()
	assert.Equal(t, StateError, rec.State)
	assert.Contains(t, rec.StatusText(), "503")

	s.tick(ctx)
	rec, _ = s.Status()
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, uint64(1), rec.RestartCount)
	assert.NotEqual(t, first.PID, rec.PID)
	assert.Eventually(t, func() bool { return !process.Exists(first.PID) }, 5*time.Second, 50*time.Millisecond)
}

func TestTickLeavesStoppedBackendAlone(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{}))
	ctx := context.Background()
	s.tick(ctx)
	_, ok := s.Status()
	assert.False(t, ok)

	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
	s.tick(ctx)
	rec, _ := s.Status()
	assert.Equal(t, StateStopped, rec.State)
	assert.Zero(t, s.PID())
}

func TestRestartLimit(t *testing.T) {
	opts := testOptions(t, stubSpec{mode: stub.ModeExit, healthyFor: time.Second})
	opts.MaxRestarts = 1
	s := newTestSupervisor(t, opts)
	ctx := context.Background()
	_, err := s.Start(ctx)
	require.NoError(t, err)

	waitExited(t, s)
	s.tick(ctx)
	rec, _ := s.Status()
	require.Equal(t, uint64(1), rec.RestartCount)

	waitExited(t, s)
	s.tick(ctx)
	rec, _ = s.Status()
	assert.Equal(t, StateError, rec.State)
	assert.Equal(t, "restart limit reached", rec.Reason)
	assert.Equal(t, uint64(1), rec.RestartCount)
}

func TestBackoffHoldsFailedRestart(t *testing.T) {
	opts := testOptions(t, stubSpec{})
	opts.Backoff = retry.Constant(time.Hour)
	s := newTestSupervisor(t, opts)
	ctx := context.Background()
	_, err := s.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(opts.Launcher.BaseDir, "python-backend", "main.py")))
	require.NoError(t, s.st.currentHandle().Kill())

	s.tick(ctx)
	rec, _ := s.Status()
	assert.Equal(t, StateError, rec.State)
	assert.Contains(t, rec.Reason, "automatic recovery failed")
	assert.Equal(t, uint64(1), rec.RestartCount)

	s.tick(ctx)
	rec, _ = s.Status()
	assert.Equal(t, uint64(1), rec.RestartCount)
}

func TestMonitoringRecoversClosedBackend(t *testing.T) {
	opts := testOptions(t, stubSpec{mode: stub.ModeClose, healthyFor: 3 * time.Second})
	opts.Interval = 500 * time.Millisecond
	s := newTestSupervisor(t, opts)
	ctx := context.Background()
	_, err := s.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, s.StartMonitoring(ctx))
	assert.True(t, s.Monitoring())
	assert.ErrorIs(t, s.StartMonitoring(ctx), ErrAlreadyMonitoring)

	require.Eventually(t, func() bool {
		rec, _ := s.Status()
		return rec.RestartCount >= 1 && rec.State == StateRunning
	}, 15*time.Second, 100*time.Millisecond)

	require.NoError(t, s.StopMonitoring())
	assert.False(t, s.Monitoring())
	require.NoError(t, s.StopMonitoring())
	require.NoError(t, s.StartMonitoring(ctx))
}

func TestShutdownStopsEverything(t *testing.T) {
	s := newTestSupervisor(t, testOptions(t, stubSpec{}))
	ctx := context.Background()
	rec, err := s.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, s.StartMonitoring(ctx))

	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Monitoring())
	got, _ := s.Status()
	assert.Equal(t, StateStopped, got.State)
	assert.Eventually(t, func() bool { return !process.Exists(rec.PID) }, 5*time.Second, 50*time.Millisecond)
}
