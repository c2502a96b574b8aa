package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/supervisor"
	"github.com/loykin/warden/internal/watch"
)

// historyTimeout bounds a single sink write.
const historyTimeout = 5 * time.Second

func runServe(ctx context.Context, flags *ServeFlags) error {
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logCloser, err := logger.Setup(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	if flags.PidFile != "" {
		if err := process.WritePIDFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = process.RemovePIDFile(flags.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// daemon is one serving supervisor with its surrounding services.
type daemon struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	hist    *history.Dispatcher
	sampler *metrics.Sampler
	srv     *http.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*daemon, error) {
	d := &daemon{cfg: cfg}

	sinks, err := factory.OpenAll(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("open history sinks: %w", err)
	}
	d.hist = history.NewDispatcher(sinks, historyTimeout)

	opts, err := cfg.SupervisorOptions()
	if err != nil {
		_ = d.hist.Close()
		return nil, err
	}
	opts.History = d.hist
	d.sup, err = supervisor.New(opts)
	if err != nil {
		_ = d.hist.Close()
		return nil, err
	}

	var routerOpts []server.Option
	if cfg.Metrics.Enabled {
		if err := metrics.Register(reg); err != nil {
			slog.Warn("Failed to register metrics", "error", err)
		}
		d.sampler = metrics.NewSampler(cfg.SamplerConfig())
		if err := d.sampler.Register(reg); err != nil {
			slog.Warn("Failed to register backend resource metrics", "error", err)
		}
		routerOpts = append(routerOpts, server.WithMetrics(gatherer), server.WithResources(d.sampler))
	}

	router := server.NewRouter(ctx, d.sup, cfg.Server.BasePath, routerOpts...)
	d.srv, err = server.NewServer(cfg.Server.Listen, router.Handler())
	if err != nil {
		_ = d.hist.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	return d, nil
}

// Addr is the bound API address.
func (d *daemon) Addr() string { return d.srv.Addr }

// run serves until ctx is done, then shuts everything down.
func (d *daemon) run(ctx context.Context) error {
	if d.sampler != nil {
		go d.sampler.Run(ctx, d.sup.PID)
	}

	sup := d.cfg.Supervisor
	go func() {
		if sup.AutoStart {
			if _, err := d.sup.Start(ctx); err != nil {
				slog.Error("Initial backend start failed", "error", err)
			}
		}
		if sup.Monitor && ctx.Err() == nil {
			if err := d.sup.StartMonitoring(ctx); err != nil && !errors.Is(err, supervisor.ErrAlreadyMonitoring) {
				slog.Error("Failed to start monitoring", "error", err)
			}
		}
	}()

	if sup.ReloadOnChange {
		w, err := watch.New(watch.Options{Root: d.cfg.WatchRoot(), Patterns: sup.WatchPatterns}, d.reload(ctx))
		if err != nil {
			slog.Warn("Reload on change disabled", "root", d.cfg.WatchRoot(), "error", err)
		} else {
			go func() {
				if err := w.Run(ctx); err != nil {
					slog.Warn("File watcher stopped", "error", err)
				}
			}()
		}
	}

	slog.Info("Warden serving", "addr", d.srv.Addr, "base_path", d.cfg.Server.BasePath)
	<-ctx.Done()
	return d.shutdown()
}

// reload restarts a live backend after a source change. A backend that was
// never started or was stopped on purpose stays down.
func (d *daemon) reload(ctx context.Context) func(string) {
	return func(path string) {
		rec, ok := d.sup.Status()
		if !ok || rec.State == supervisor.StateStopped || rec.State == supervisor.StateStopping {
			slog.Debug("Ignoring source change, backend is not running", "path", path)
			return
		}
		if _, err := d.sup.Restart(ctx); err != nil {
			slog.Error("Reload after source change failed", "path", path, "error", err)
		}
	}
}

func (d *daemon) shutdown() error {
	slog.Info("Shutting down")
	var errs []error

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}

	bctx, bcancel := context.WithTimeout(context.Background(), d.cfg.Supervisor.StopTimeout+10*time.Second)
	defer bcancel()
	if err := d.sup.Shutdown(bctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	return errors.Join(errs...)
}
