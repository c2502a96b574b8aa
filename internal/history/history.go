package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart         EventType = "start"          // backend spawned
	EventReady         EventType = "ready"          // first healthy probe after spawn
	EventStop          EventType = "stop"           // graceful stop completed
	EventForceKill     EventType = "force_kill"     // out-of-band hard kill
	EventExit          EventType = "exit"           // backend exited on its own
	EventHealthFailure EventType = "health_failure" // probe failed while monitored
	EventRestart       EventType = "restart"        // automatic restart attempt
)

// Event is one lifecycle fact about the supervised backend. It is an audit
// trail only; nothing reads it back to restore state.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	Status       string    `json:"status"`
	RestartCount uint64    `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueueSize bounds events buffered by a Dispatcher.
const DefaultQueueSize = 256

// Dispatcher fans events out to sinks on its own goroutine so a slow or broken
// sink never blocks supervision. When the queue is full events are dropped.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts delivering to sinks. With no sinks Emit is a no-op.
func NewDispatcher(sinks []Sink, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		queue:   make(chan Event, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Debug("History sink failed", "event", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Emit queues e for delivery. It never blocks. Emit after Close is ignored.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
	default:
		slog.Debug("History queue full, dropping event", "event", e.Type)
	}
}

// Close flushes queued events, then closes sinks that implement io.Closer.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done

	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
