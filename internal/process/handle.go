package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killReapWait bounds how long Kill waits for the waiter goroutine to reap the child.
const killReapWait = 200 * time.Millisecond

// terminateReapWait bounds the wait after Terminate escalates to a kill.
const terminateReapWait = 5 * time.Second

// pipeDrainDelay bounds how long Wait keeps draining stdout/stderr after the child exits,
// so a grandchild holding the pipes open cannot stall the reaper.
const pipeDrainDelay = 2 * time.Second

// Options describes how to spawn the backend.
type Options struct {
	Path   string   // resolved executable
	Args   []string // arguments after the executable
	Dir    string   // working directory
	Env    []string // full environment; empty inherits the parent's
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// Handle is exclusive ownership of one spawned OS process.
//
// Exactly one goroutine (started by Spawn) calls cmd.Wait; every other method observes
// the exit through the done channel, so Exited, Terminate and Kill are safe to call
// concurrently and any number of times.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu      sync.Mutex
	exitErr error
	closers []io.Closer
}

// Spawn starts the process with stdout and stderr piped into the given writers (or
// discarded when nil) so the child never blocks on the supervisor's console.
func Spawn(opts Options) (*Handle, error) {
	// #nosec G204 -- executable is resolved from a configured candidate list
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	configureSysProcAttr(cmd)

	var closers []io.Closer
	cmd.Stdout = io.Discard
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
		closers = append(closers, opts.Stdout)
	}
	cmd.Stderr = io.Discard
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
		closers = append(closers, opts.Stderr)
	}
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		closers:   closers,
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	close(h.done)
}

// PID returns the OS process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited is the non-blocking liveness check. When the process is gone it also
// returns its exit error (nil for a clean exit).
func (h *Handle) Exited() (bool, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		err := h.exitErr
		h.mu.Unlock()
		return true, err
	default:
		return false, nil
	}
}

// Terminate asks the process to exit and blocks until the OS confirms it. If the
// process is still alive after grace it is killed.
func (h *Handle) Terminate(grace time.Duration) error {
	if exited, _ := h.Exited(); exited {
		return nil
	}
	// A failed polite signal falls through to the hard kill below.
	_ = terminate(h.cmd.Process)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
		return nil
	case <-t.C:
	}
	if err := kill(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", h.pid, err)
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(terminateReapWait):
		return fmt.Errorf("pid %d did not exit after kill", h.pid)
	}
}

// Kill hard-kills the process and waits briefly for it to be reaped. Killing an
// already-exited process is a no-op.
func (h *Handle) Kill() error {
	if exited, _ := h.Exited(); exited {
		return nil
	}
	if err := kill(h.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", h.pid, err)
	}
	select {
	case <-h.done:
	case <-time.After(killReapWait):
	}
	return nil
}
