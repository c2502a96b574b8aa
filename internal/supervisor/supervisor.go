// Package supervisor owns the lifecycle of one backend process: it starts it,
// stops or force-kills it on request, and in its monitor loop restarts it when
// it exits or stops answering its health endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/retry"
)

// Defaults, matching the desktop app the supervisor was built for.
const (
	DefaultInterval          = 30 * time.Second
	DefaultReadinessTimeout  = 30 * time.Second
	DefaultReadinessInterval = time.Second
	DefaultStopTimeout       = 10 * time.Second
	DefaultRestartDelay      = 2 * time.Second
)

// pidReuseTolerance is the allowed skew between the recorded start time and the
// start time the OS reports for the same pid.
const pidReuseTolerance = 2 * time.Second

// Options configures a Supervisor.
type Options struct {
	Launcher          launcher.Config
	Probe             *health.Probe
	Interval          time.Duration // monitor cadence
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration
	StopTimeout       time.Duration // grace between terminate and kill
	RestartDelay      time.Duration // pause inside a manual Restart
	Backoff           retry.Policy  // delay between failed automatic restarts; nil = none
	MaxRestarts       int           // 0 = unlimited
	Killer            process.Killer
	PIDFile           string
	History           *history.Dispatcher
}

func (o *Options) applyDefaults() {
	if o.Launcher.Name == "" {
		o.Launcher.Name = "backend"
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = DefaultReadinessTimeout
	}
	if o.ReadinessInterval <= 0 {
		o.ReadinessInterval = DefaultReadinessInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = 0
	}
	if o.Backoff == nil {
		o.Backoff = retry.None()
	}
	if o.Killer == nil {
		o.Killer = process.DefaultKiller()
	}
}

// Supervisor is safe for concurrent use. Lifecycle operations are serialized;
// status reads never wait on them.
type Supervisor struct {
	opts  Options
	name  string
	st    store
	opMu  sync.Mutex // serializes start, stop, restart and monitor ticks
	monMu sync.Mutex
	mon   *stopper.Context

	terminate func(h *process.Handle, grace time.Duration) error
}

// New validates opts and returns an idle supervisor. Nothing is spawned.
func New(opts Options) (*Supervisor, error) {
	if opts.Probe == nil {
		return nil, errors.New("supervisor: health probe is required")
	}
	opts.applyDefaults()
	s := &Supervisor{opts: opts, name: opts.Launcher.Name, terminate: (*process.Handle).Terminate}
	s.st.name = s.name
	return s, nil
}

// Name is the backend name used in logs and metrics.
func (s *Supervisor) Name() string { return s.name }

// Start launches the backend and waits until it answers healthy. On a backend
// that is already running and healthy it returns the existing record.
func (s *Supervisor) Start(ctx context.Context) (ProcessRecord, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx, nil)
}

// startLocked runs with opMu held. expect is the epoch an automatic restart was
// decided under; nil for a manual start.
func (s *Supervisor) startLocked(ctx context.Context, expect *uint64) (ProcessRecord, error) {
	if h := s.st.currentHandle(); h != nil {
		if exited, exitErr := h.Exited(); exited {
			slog.Info("Previous backend instance has exited", "name", s.name, "pid", h.PID(), "error", exitErr)
			s.st.clearHandleIf(h)
		} else if s.opts.Probe.Check(ctx, &s.st) {
			rec, _ := s.st.get()
			slog.Info("Backend is already running", "name", s.name, "pid", rec.PID, "reason", ErrAlreadyRunning)
			return rec, nil
		} else {
			slog.Warn("Backend alive but unhealthy, replacing it", "name", s.name, "pid", h.PID())
			if err := h.Kill(); err != nil {
				slog.Warn("Failed to kill unhealthy backend", "name", s.name, "pid", h.PID(), "error", err)
			}
			s.st.clearHandleIf(h)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	epoch, ok := s.st.beginStart(cancel, expect)
	if !ok {
		return ProcessRecord{}, &OpError{Op: "start", Kind: ErrAborted}
	}
	defer s.st.endStart(epoch)

	slog.Info("Starting backend", "name", s.name)
	h, _, err := launcher.Launch(ctx, s.opts.Launcher)
	if err != nil {
		slog.Error("Failed to launch backend", "name", s.name, "error", err)
		return ProcessRecord{}, err
	}
	rec, ok := s.st.install(h, epoch)
	if !ok {
		slog.Info("Start superseded by stop, discarding new instance", "name", s.name, "pid", h.PID())
		_ = h.Kill()
		return ProcessRecord{}, &OpError{Op: "start", Kind: ErrAborted}
	}
	metrics.IncStart(s.name)
	s.emit(history.EventStart, rec, "")
	if err := process.WritePIDFile(s.opts.PIDFile, rec.PID); err != nil {
		slog.Warn("Failed to write pid file", "path", s.opts.PIDFile, "error", err)
	}

	began := time.Now()
	err = launcher.AwaitReady(ctx, h, s.opts.Probe, readinessRecorder{s: &s.st, epoch: epoch},
		launcher.ReadyOptions{Interval: s.opts.ReadinessInterval, Timeout: s.opts.ReadinessTimeout})
	if err == nil {
		metrics.ObserveReadiness(s.name, time.Since(began).Seconds())
		rec, _ = s.st.get()
		slog.Info("Backend started", "name", s.name, "pid", rec.PID, "ready_after", time.Since(began).Round(time.Millisecond))
		s.emit(history.EventReady, rec, "")
		return rec, nil
	}

	if !s.st.current(epoch) {
		// a stop or force-kill took over and owns the instance now
		slog.Info("Start aborted while waiting for readiness", "name", s.name, "pid", h.PID())
		return ProcessRecord{}, &OpError{Op: "start", Kind: ErrAborted, Err: err}
	}

	slog.Error("Backend failed to become ready", "name", s.name, "pid", h.PID(), "error", err)
	if killErr := h.Kill(); killErr != nil {
		slog.Warn("Failed to kill backend after failed start", "name", s.name, "pid", h.PID(), "error", killErr)
	}
	s.st.clearHandleIf(h)
	s.st.setIfActive(epoch, StateError, err.Error())
	_ = process.RemovePIDFile(s.opts.PIDFile)
	return ProcessRecord{}, err
}

// Stop terminates the backend gracefully and waits for it to exit. Without a
// live backend it is a successful no-op. The record is kept with StateStopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.st.abortStart()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(_ context.Context) error {
	h, hasRecord := s.st.beginStop()
	if h == nil {
		if hasRecord {
			s.st.set(StateStopped, "")
		}
		slog.Info("Stop requested but no backend is running", "name", s.name)
		return nil
	}

	pid := h.PID()
	slog.Info("Stopping backend", "name", s.name, "pid", pid)
	if err := s.terminate(h, s.opts.StopTimeout); err != nil {
		// record stays Stopping with its pid so force-kill can still reach it
		slog.Error("Failed to stop backend", "name", s.name, "pid", pid, "error", err)
		return &OpError{Op: "stop", Kind: ErrKillFailure, Err: err}
	}
	s.st.set(StateStopped, "")
	if err := process.RemovePIDFile(s.opts.PIDFile); err != nil {
		slog.Warn("Failed to remove pid file", "path", s.opts.PIDFile, "error", err)
	}
	metrics.IncStop(s.name)
	rec, _ := s.st.get()
	s.emit(history.EventStop, rec, "")
	slog.Info("Backend stopped", "name", s.name, "pid", pid)
	return nil
}

// ForceKill hard-kills the recorded pid with the platform kill command,
// independent of the owned handle. The outcome of the kill command is logged;
// the backend always ends up Stopped.
func (s *Supervisor) ForceKill(ctx context.Context) error {
	s.st.abortStart()
	h, rec, ok := s.st.takeAll()

	var killErr error
	switch {
	case !ok:
		slog.Info("Force kill requested but no backend was ever started", "name", s.name)
	case rec.State == StateStopped:
		slog.Info("Force kill requested but backend is already stopped", "name", s.name, "pid", rec.PID)
	default:
		killErr = s.killPID(ctx, rec)
		if killErr != nil {
			slog.Warn("Force kill command failed", "name", s.name, "pid", rec.PID, "error", killErr)
		} else {
			slog.Info("Backend force killed", "name", s.name, "pid", rec.PID)
		}
		metrics.IncForceKill(s.name, killErr)
	}
	if h != nil {
		// reap our own child whatever the kill command did
		if err := h.Kill(); err != nil {
			slog.Debug("Handle kill after force kill failed", "name", s.name, "pid", h.PID(), "error", err)
		}
	}
	if ok {
		s.st.set(StateStopped, "")
		_ = process.RemovePIDFile(s.opts.PIDFile)
		if rec.State != StateStopped {
			rec, _ = s.st.get()
			reason := ""
			if killErr != nil {
				reason = killErr.Error()
			}
			s.emit(history.EventForceKill, rec, reason)
		}
	}
	return nil
}

// killPID runs the kill command unless the pid now belongs to another process.
func (s *Supervisor) killPID(ctx context.Context, rec ProcessRecord) error {
	if rec.PID <= 0 {
		return fmt.Errorf("invalid pid %d", rec.PID)
	}
	if osStart := process.StartTime(rec.PID); !osStart.IsZero() && rec.StartTime > 0 {
		skew := osStart.Sub(time.Unix(rec.StartTime, 0))
		if skew < -pidReuseTolerance || skew > pidReuseTolerance {
			return &OpError{Op: "force-kill", Kind: ErrKillFailure,
				Err: fmt.Errorf("pid %d was reused by another process (started %s)", rec.PID, osStart.Format(time.RFC3339))}
		}
	}
	if err := s.opts.Killer.Kill(ctx, rec.PID); err != nil {
		return &OpError{Op: "force-kill", Kind: ErrKillFailure, Err: err}
	}
	return nil
}

// Restart stops the backend, pauses RestartDelay, and starts it again. A stop
// that fails falls back to ForceKill so the old instance cannot answer the new
// one's readiness probe. It does not count as an automatic restart.
func (s *Supervisor) Restart(ctx context.Context) (ProcessRecord, error) {
	if err := s.Stop(ctx); err != nil {
		slog.Warn("Stop during restart failed, force killing", "name", s.name, "error", err)
		_ = s.ForceKill(ctx)
	}
	if !retry.Sleep(ctx, s.opts.RestartDelay) {
		return ProcessRecord{}, ctx.Err()
	}
	return s.Start(ctx)
}

// Status returns a copy of the current record; false if nothing was ever started.
func (s *Supervisor) Status() (ProcessRecord, bool) {
	return s.st.get()
}

// PID returns the pid of the owned process, or 0 when none is alive.
func (s *Supervisor) PID() int {
	h := s.st.currentHandle()
	if h == nil {
		return 0
	}
	if exited, _ := h.Exited(); exited {
		return 0
	}
	return h.PID()
}

// IsRunning reports whether the owned process is alive and answers healthy.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	h := s.st.currentHandle()
	if h == nil {
		return false
	}
	if exited, _ := h.Exited(); exited {
		return false
	}
	return s.opts.Probe.Check(ctx, &s.st)
}

// BackendStatus summarizes running state, port, uptime and last error.
func (s *Supervisor) BackendStatus(ctx context.Context) BackendStatus {
	out := BackendStatus{Running: s.IsRunning(ctx)}
	if port, err := health.Port(s.opts.Probe.URL); err == nil {
		out.Port = port
	}
	if rec, ok := s.st.get(); ok {
		out.Record = &rec
		if rec.State != StateStopped {
			up := int64(rec.Uptime(time.Now()).Seconds())
			out.UptimeSeconds = &up
		}
		if rec.State == StateError {
			out.LastError = rec.Reason
		}
	}
	return out
}

// Shutdown stops monitoring and the backend, falling back to a force kill,
// then flushes history.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.st.abortStart()
	if err := s.StopMonitoring(); err != nil {
		slog.Warn("Monitor did not stop cleanly", "name", s.name, "error", err)
	}
	if err := s.Stop(ctx); err != nil {
		slog.Warn("Graceful stop failed during shutdown, force killing", "name", s.name, "error", err)
		_ = s.ForceKill(ctx)
	}
	return s.opts.History.Close()
}

func (s *Supervisor) emit(t history.EventType, rec ProcessRecord, reason string) {
	s.opts.History.Emit(history.Event{
		Type:         t,
		OccurredAt:   time.Now().UTC(),
		Name:         s.name,
		PID:          rec.PID,
		Status:       rec.State.String(),
		RestartCount: rec.RestartCount,
		Reason:       reason,
	})
}
