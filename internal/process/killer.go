package process

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Killer hard-kills a process by pid as an out-of-band OS call, independent of
// whether an in-process Handle for it still exists.
type Killer interface {
	Kill(ctx context.Context, pid int) error
}

// KillerFunc adapts a function to Killer.
type KillerFunc func(ctx context.Context, pid int) error

func (f KillerFunc) Kill(ctx context.Context, pid int) error { return f(ctx, pid) }

// CommandKiller kills by running an external command built from the pid.
type CommandKiller struct {
	Name string
	Args func(pid int) []string
}

func (k CommandKiller) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	// #nosec G204 -- fixed command name, numeric pid argument
	cmd := exec.CommandContext(ctx, k.Name, k.Args(pid)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s %d: %w: %s", k.Name, pid, err, msg)
		}
		return fmt.Errorf("%s %d: %w", k.Name, pid, err)
	}
	return nil
}
