package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
)

// monitorStopGrace is how long a running tick may finish before its context is
// cancelled by StopMonitoring.
const monitorStopGrace = 5 * time.Second

// StartMonitoring checks the backend every Interval in the background and
// restarts it when it has exited or fails its health check. Monitoring ends
// when ctx is done or StopMonitoring is called.
func (s *Supervisor) StartMonitoring(ctx context.Context) error {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.mon != nil && !s.mon.IsStopping() {
		return ErrAlreadyMonitoring
	}
	sctx := stopper.WithContext(ctx)
	s.mon = sctx
	interval := s.opts.Interval
	sctx.Go(func(sctx *stopper.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		slog.Info("Monitoring backend", "name", s.name, "interval", interval)
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-sctx.Done():
				return nil
			case <-t.C:
				s.tick(sctx)
			}
		}
	})
	return nil
}

// StopMonitoring ends the monitor loop and waits for a running tick to finish.
// Calling it without an active monitor is a no-op.
func (s *Supervisor) StopMonitoring() error {
	s.monMu.Lock()
	sctx := s.mon
	s.mon = nil
	s.monMu.Unlock()
	if sctx == nil {
		return nil
	}
	sctx.Stop(monitorStopGrace)
	err := sctx.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("Backend monitoring stopped", "name", s.name)
	return err
}

// Monitoring reports whether the monitor loop is active.
func (s *Supervisor) Monitoring() bool {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	return s.mon != nil && !s.mon.IsStopping()
}

// tick runs one health cycle. It skips the cycle if a lifecycle operation is in
// progress.
func (s *Supervisor) tick(ctx context.Context) {
	if !s.opMu.TryLock() {
		slog.Debug("Lifecycle operation in progress, skipping health cycle", "name", s.name)
		return
	}
	defer s.opMu.Unlock()

	h, rec, ok, epoch := s.st.snapshot()
	if !ok || rec.State == StateStopping || rec.State == StateStopped {
		return
	}

	if h == nil {
		s.recover(ctx, epoch, "backend is not running")
		return
	}
	if exited, exitErr := h.Exited(); exited {
		reason := "backend exited"
		if exitErr != nil {
			reason = "backend exited: " + exitErr.Error()
		}
		slog.Warn("Backend process exited", "name", s.name, "pid", h.PID(), "error", exitErr)
		s.st.clearHandleIf(h)
		if !s.st.setIfActive(epoch, StateError, reason) {
			return
		}
		rec, _ = s.st.get()
		s.emit(history.EventExit, rec, reason)
		s.recover(ctx, epoch, reason)
		return
	}

	if s.opts.Probe.Check(ctx, &s.st) {
		s.st.restartSucceeded()
		return
	}
	if ctx.Err() != nil {
		return
	}
	rec, _ = s.st.get()
	if rec.State == StateStopping || rec.State == StateStopped {
		return
	}
	slog.Warn("Backend failed health check", "name", s.name, "pid", h.PID(), "reason", rec.Reason)
	s.emit(history.EventHealthFailure, rec, rec.Reason)
	if err := h.Kill(); err != nil {
		slog.Warn("Failed to kill unhealthy backend", "name", s.name, "pid", h.PID(), "error", err)
	}
	s.st.clearHandleIf(h)
	s.recover(ctx, epoch, rec.Reason)
}

// recover performs one automatic restart unless the restart limit or the
// backoff delay holds it back. Runs with opMu held.
func (s *Supervisor) recover(ctx context.Context, epoch uint64, cause string) {
	failures, last, restarts := s.st.backoffState()
	if s.opts.MaxRestarts > 0 && restarts >= uint64(s.opts.MaxRestarts) {
		slog.Error("Restart limit reached, giving up", "name", s.name, "restarts", restarts, "max", s.opts.MaxRestarts)
		s.st.setIfActive(epoch, StateError, "restart limit reached")
		return
	}
	if delay := s.opts.Backoff.Delay(failures); delay > 0 && !last.IsZero() {
		if wait := delay - time.Since(last); wait > 0 {
			slog.Info("Delaying automatic restart", "name", s.name, "failures", failures, "remaining", wait.Round(time.Millisecond))
			return
		}
	}

	n, ok := s.st.beginRestart(epoch)
	if !ok {
		return
	}
	metrics.IncRestart(s.name)
	rec, _ := s.st.get()
	s.emit(history.EventRestart, rec, cause)
	slog.Info("Restarting backend", "name", s.name, "restart_count", n, "cause", cause)

	// the restart outlives a monitor shutdown; Stop and ForceKill still abort it
	expect := epoch
	if _, err := s.startLocked(context.WithoutCancel(ctx), &expect); err != nil {
		s.st.restartFailed()
		if errors.Is(err, ErrAborted) {
			return
		}
		slog.Error("Automatic recovery failed", "name", s.name, "error", err)
		s.st.setIfActive(s.currentEpoch(), StateError, "automatic recovery failed: "+err.Error())
		return
	}
	s.st.restartSucceeded()
}

func (s *Supervisor) currentEpoch() uint64 {
	_, _, _, epoch := s.st.snapshot()
	return epoch
}
