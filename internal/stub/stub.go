// Package stub is a minimal backend used by tests and demos: an HTTP server
// exposing /health that can be told to fail after a while.
package stub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Failure modes once HealthyFor has elapsed.
const (
	ModeClose     = "close"     // close the listening socket
	ModeUnhealthy = "unhealthy" // keep serving, answer 503
	ModeExit      = "exit"      // return ErrExit so the caller can exit non-zero
)

// ErrExit is returned by Run in ModeExit.
var ErrExit = errors.New("stub backend exiting")

// Options configures the stub.
type Options struct {
	Addr       string        // listen address, e.g. 127.0.0.1:8000
	HealthyFor time.Duration // 0 means healthy forever
	Mode       string        // defaults to ModeClose
	StartDelay time.Duration // delay before listening, to exercise readiness polling
}

// Run serves until ctx is cancelled or the failure mode ends it.
func Run(ctx context.Context, opts Options) error {
	if opts.Mode == "" {
		opts.Mode = ModeClose
	}
	switch opts.Mode {
	case ModeClose, ModeUnhealthy, ModeExit:
	default:
		return fmt.Errorf("unknown stub mode %q", opts.Mode)
	}
	if opts.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.StartDelay):
		}
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}

	var failing atomic.Bool
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	e.GET("/health", func(c echo.Context) error {
		if failing.Load() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("Stub backend listening", "addr", ln.Addr().String(), "healthy_for", opts.HealthyFor, "mode", opts.Mode)

	var failAt <-chan time.Time
	if opts.HealthyFor > 0 {
		t := time.NewTimer(opts.HealthyFor)
		defer t.Stop()
		failAt = t.C
	}

	for {
		select {
		case <-ctx.Done():
			shutdown(e)
			return nil
		case err := <-errCh:
			return err
		case <-failAt:
			failAt = nil
			switch opts.Mode {
			case ModeUnhealthy:
				failing.Store(true)
			case ModeClose:
				_ = e.Close()
			case ModeExit:
				shutdown(e)
				return ErrExit
			}
		}
	}
}

func shutdown(e *echo.Echo) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.Shutdown(ctx)
}
