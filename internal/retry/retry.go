// Package retry holds the attempt-sleep-repeat helpers shared by the readiness
// wait and the restart throttle.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Poll when the deadline passes without success.
var ErrTimeout = errors.New("retry: deadline exceeded")

// AttemptFunc is one try. done reports success; a non-nil err aborts polling.
type AttemptFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn immediately and then once per interval until it reports done,
// returns an error, ctx is cancelled, or timeout elapses. A timeout <= 0 polls
// until ctx ends.
func Poll(ctx context.Context, interval, timeout time.Duration, fn AttemptFunc) error {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sleep waits for d or until ctx ends, whichever is first. It reports whether
// the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
