//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminate sends SIGTERM to the child's process group, falling back to the
// child alone when the group is already gone.
func terminate(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

// kill sends SIGKILL to the child's process group.
func kill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}

// Exists reports whether a process with pid is present.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
