// Package launcher resolves the backend's executable, script and working
// directory, spawns it, and waits for it to answer its health endpoint.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/retry"
)

// versionProbeTimeout bounds each "<candidate> --version" invocation.
const versionProbeTimeout = 5 * time.Second

// Config describes how to launch the backend.
type Config struct {
	Name        string
	Executables []string // candidates, tried in order
	VersionArg  string   // argument used to check a candidate can be invoked
	Script      string   // entry script; relative paths resolve against BaseDir
	WorkDir     string   // working directory; relative paths resolve against BaseDir
	BaseDir     string   // defaults to the supervisor's working directory
	Args        []string // extra arguments after the script
	Env         *env.Env // nil inherits the supervisor's environment unchanged
	Logs        logger.Config
}

// Target is a fully resolved launch.
type Target struct {
	Executable string
	Script     string
	Dir        string
	Args       []string
}

func (c Config) base() (string, error) {
	if c.BaseDir != "" {
		return filepath.Abs(c.BaseDir)
	}
	return os.Getwd()
}

func abs(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

// ResolveExecutable returns the first candidate that exists on PATH and can be
// invoked with VersionArg. A candidate that runs but exits non-zero still counts.
func (c Config) ResolveExecutable(ctx context.Context) (string, error) {
	if len(c.Executables) == 0 {
		return "", &OpError{Op: "resolve", Kind: ErrExecutableNotFound, Err: errors.New("no candidates configured")}
	}
	var lastErr error
	for _, cand := range c.Executables {
		path, err := exec.LookPath(cand)
		if err != nil {
			lastErr = err
			continue
		}
		if c.VersionArg != "" {
			if err := probeVersion(ctx, path, c.VersionArg); err != nil {
				slog.Debug("Executable candidate rejected", "candidate", cand, "error", err)
				lastErr = err
				continue
			}
		}
		return path, nil
	}
	return "", &OpError{Op: "resolve", Kind: ErrExecutableNotFound, Err: fmt.Errorf("tried %v: %w", c.Executables, lastErr)}
}

func probeVersion(ctx context.Context, path, arg string) error {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	// #nosec G204 -- path comes from the configured candidate list
	cmd := exec.CommandContext(ctx, path, arg)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Resolve checks executable, working directory and script, in that order.
func (c Config) Resolve(ctx context.Context) (Target, error) {
	exe, err := c.ResolveExecutable(ctx)
	if err != nil {
		return Target{}, err
	}
	base, err := c.base()
	if err != nil {
		return Target{}, &OpError{Op: "resolve", Kind: ErrDirectoryNotFound, Err: err}
	}

	dir := abs(base, c.WorkDir)
	if fi, err := os.Stat(dir); err != nil {
		return Target{}, &OpError{Op: "resolve", Path: dir, Kind: ErrDirectoryNotFound, Err: err}
	} else if !fi.IsDir() {
		return Target{}, &OpError{Op: "resolve", Path: dir, Kind: ErrDirectoryNotFound, Err: errors.New("not a directory")}
	}

	t := Target{Executable: exe, Dir: dir}
	if c.Script != "" {
		script := abs(base, c.Script)
		if fi, err := os.Stat(script); err != nil {
			return Target{}, &OpError{Op: "resolve", Path: script, Kind: ErrScriptNotFound, Err: err}
		} else if fi.IsDir() {
			return Target{}, &OpError{Op: "resolve", Path: script, Kind: ErrScriptNotFound, Err: errors.New("is a directory")}
		}
		t.Script = script
		t.Args = append(t.Args, script)
	}
	t.Args = append(t.Args, c.Args...)
	return t, nil
}

// Launch resolves the target and spawns it with piped output. It does not wait
// for readiness.
func Launch(ctx context.Context, c Config) (*process.Handle, Target, error) {
	t, err := c.Resolve(ctx)
	if err != nil {
		return nil, Target{}, err
	}
	stdout, stderr, err := c.Logs.ProcessWriters(c.Name)
	if err != nil {
		return nil, t, &OpError{Op: "spawn", Path: t.Executable, Kind: ErrSpawnFailure, Err: err}
	}
	var environ []string
	if c.Env != nil {
		environ = c.Env.Merge(nil)
	}
	h, err := process.Spawn(process.Options{
		Path:   t.Executable,
		Args:   t.Args,
		Dir:    t.Dir,
		Env:    environ,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return nil, t, &OpError{Op: "spawn", Path: t.Executable, Kind: ErrSpawnFailure, Err: err}
	}
	slog.Info("Backend spawned", "name", c.Name, "pid", h.PID(), "executable", t.Executable, "script", t.Script, "dir", t.Dir)
	return h, t, nil
}

// ReadyOptions bounds the readiness wait.
type ReadyOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// AwaitReady polls probe until it reports healthy. It fails early with
// ErrSpawnFailure if the process exits, and with ErrReadinessTimeout when the
// window closes. No lock may be held by the caller.
func AwaitReady(ctx context.Context, h *process.Handle, probe *health.Probe, rec health.Recorder, opts ReadyOptions) error {
	var lastErr error
	err := retry.Poll(ctx, opts.Interval, opts.Timeout, func(ctx context.Context, attempt int) (bool, error) {
		if exited, exitErr := h.Exited(); exited {
			if exitErr == nil {
				exitErr = errors.New("exited with status 0")
			}
			return false, &OpError{Op: "ready", Kind: ErrSpawnFailure, Err: fmt.Errorf("backend exited during startup: %w", exitErr)}
		}
		if lastErr = probe.Report(ctx, rec); lastErr == nil {
			slog.Info("Backend ready", "pid", h.PID(), "attempts", attempt)
			return true, nil
		}
		if attempt%5 == 0 {
			slog.Info("Waiting for backend", "pid", h.PID(), "attempts", attempt)
		}
		return false, nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		if lastErr == nil {
			lastErr = health.ErrHealthCheckFailure
		}
		return &OpError{Op: "ready", Kind: ErrReadinessTimeout, Err: fmt.Errorf("no healthy response within %s: %w", opts.Timeout, lastErr)}
	}
	return err
}
