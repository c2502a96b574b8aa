package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

// store is the single critical section over the supervised instance: the
// owned handle, its record, the restart counter and the start generation.
// Every method is short and never blocks on I/O.
type store struct {
	name string

	mu       sync.Mutex
	handle   *process.Handle
	record   *ProcessRecord
	restarts uint64 // automatic restarts since the supervisor started

	// epoch changes on every start attempt and on every stop request, so a
	// start that raced with a stop can tell it lost.
	epoch       uint64
	startCancel context.CancelFunc

	failures    int       // consecutive failed automatic restarts
	lastAttempt time.Time // last automatic restart attempt
}

type transition struct{ from, to State }

func (t transition) record(name string) {
	if t.from == t.to {
		return
	}
	metrics.RecordStateTransition(name, t.from.String(), t.to.String())
	metrics.SetCurrentState(name, t.to.String(), stateNames)
}

// setLocked changes state and returns the transition to report after unlock.
func (s *store) setLocked(state State, reason string) transition {
	if s.record == nil {
		return transition{}
	}
	tr := transition{from: s.record.State, to: state}
	s.record.State = state
	if state == StateError {
		s.record.Reason = reason
	} else {
		s.record.Reason = ""
	}
	return tr
}

// get returns a copy of the record.
func (s *store) get() (ProcessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return ProcessRecord{}, false
	}
	return *s.record, true
}

// snapshot returns the handle, a record copy and the current epoch together.
func (s *store) snapshot() (*process.Handle, ProcessRecord, bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return s.handle, ProcessRecord{}, false, s.epoch
	}
	return s.handle, *s.record, true, s.epoch
}

func (s *store) currentHandle() *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// set changes state unless the record is absent.
func (s *store) set(state State, reason string) {
	s.mu.Lock()
	tr := s.setLocked(state, reason)
	s.mu.Unlock()
	tr.record(s.name)
}

// setIfActive changes state only while the record is not stopping or stopped
// and the epoch still matches.
func (s *store) setIfActive(epoch uint64, state State, reason string) bool {
	s.mu.Lock()
	if s.record == nil || s.epoch != epoch || s.record.State == StateStopping || s.record.State == StateStopped {
		s.mu.Unlock()
		return false
	}
	tr := s.setLocked(state, reason)
	s.mu.Unlock()
	tr.record(s.name)
	return true
}

// clearHandleIf drops h if it is still the owned handle.
func (s *store) clearHandleIf(h *process.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == h {
		s.handle = nil
	}
}

// beginStart registers cancel for the new attempt and advances the epoch. With
// expect set, the attempt is refused if a stop happened since expect was read.
func (s *store) beginStart(cancel context.CancelFunc, expect *uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expect != nil {
		if s.epoch != *expect || (s.record != nil && (s.record.State == StateStopping || s.record.State == StateStopped)) {
			return 0, false
		}
	}
	s.epoch++
	s.startCancel = cancel
	return s.epoch, true
}

// endStart forgets the cancel func of attempt epoch.
func (s *store) endStart(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.startCancel = nil
	}
}

// abortStart cancels any in-flight start and invalidates its epoch.
func (s *store) abortStart() {
	s.mu.Lock()
	cancel := s.startCancel
	s.startCancel = nil
	s.epoch++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// install makes h the owned handle and creates a Starting record. It fails when
// epoch is no longer current.
func (s *store) install(h *process.Handle, epoch uint64) (ProcessRecord, bool) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ProcessRecord{}, false
	}
	var from State
	hadRecord := s.record != nil
	if hadRecord {
		from = s.record.State
	}
	s.handle = h
	s.record = &ProcessRecord{
		PID:          h.PID(),
		StartTime:    h.StartedAt().Unix(),
		RestartCount: s.restarts,
		State:        StateStarting,
	}
	rec := *s.record
	s.mu.Unlock()
	if hadRecord {
		transition{from: from, to: StateStarting}.record(s.name)
	} else {
		metrics.SetCurrentState(s.name, StateStarting.String(), stateNames)
	}
	return rec, true
}

// beginRestart bumps the restart counter and marks Starting in one step.
func (s *store) beginRestart(epoch uint64) (uint64, bool) {
	s.mu.Lock()
	if s.record == nil || s.epoch != epoch || s.record.State == StateStopping || s.record.State == StateStopped {
		s.mu.Unlock()
		return 0, false
	}
	s.restarts++
	s.record.RestartCount = s.restarts
	s.lastAttempt = time.Now()
	tr := s.setLocked(StateStarting, "")
	n := s.restarts
	s.mu.Unlock()
	tr.record(s.name)
	return n, true
}

func (s *store) restartFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

func (s *store) restartSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

func (s *store) backoffState() (failures int, last time.Time, restarts uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures, s.lastAttempt, s.restarts
}

// beginStop takes the handle and marks Stopping.
func (s *store) beginStop() (*process.Handle, bool) {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	var tr transition
	hasRecord := s.record != nil
	if hasRecord && s.record.State != StateStopped {
		tr = s.setLocked(StateStopping, "")
	}
	s.mu.Unlock()
	tr.record(s.name)
	return h, hasRecord
}

// takeAll takes the handle and returns the record for force-kill.
func (s *store) takeAll() (*process.Handle, ProcessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	if s.record == nil {
		return h, ProcessRecord{}, false
	}
	return h, *s.record, true
}

// ObserveHealthy records a successful probe. Starting, Running and Error
// become Running; Stopping and Stopped are left alone.
func (s *store) ObserveHealthy(at time.Time) {
	s.mu.Lock()
	if s.record == nil {
		s.mu.Unlock()
		return
	}
	s.record.LastHealthCheck = at.Unix()
	var tr transition
	switch s.record.State {
	case StateStarting, StateRunning, StateError:
		tr = s.setLocked(StateRunning, "")
	}
	s.mu.Unlock()
	tr.record(s.name)
}

// ObserveUnhealthy records a failed probe as Error unless the backend is
// being stopped or already stopped.
func (s *store) ObserveUnhealthy(at time.Time, reason string) {
	s.mu.Lock()
	if s.record == nil {
		s.mu.Unlock()
		return
	}
	s.record.LastHealthCheck = at.Unix()
	var tr transition
	switch s.record.State {
	case StateStarting, StateRunning, StateError:
		tr = s.setLocked(StateError, reason)
	}
	s.mu.Unlock()
	tr.record(s.name)
}

// readinessRecorder is the probe recorder used while waiting for a fresh
// instance: a healthy answer promotes it, a failed one only updates the
// probe time so the record stays Starting.
type readinessRecorder struct {
	s     *store
	epoch uint64
}

func (r readinessRecorder) ObserveHealthy(at time.Time) {
	r.s.mu.Lock()
	if r.s.record == nil || r.s.epoch != r.epoch {
		r.s.mu.Unlock()
		return
	}
	r.s.record.LastHealthCheck = at.Unix()
	var tr transition
	if r.s.record.State == StateStarting || r.s.record.State == StateError {
		tr = r.s.setLocked(StateRunning, "")
	}
	r.s.mu.Unlock()
	tr.record(r.s.name)
}

func (r readinessRecorder) ObserveUnhealthy(at time.Time, _ string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.record != nil && r.s.epoch == r.epoch {
		r.s.record.LastHealthCheck = at.Unix()
	}
}

// current reports whether no stop or newer start happened since epoch.
func (s *store) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}
