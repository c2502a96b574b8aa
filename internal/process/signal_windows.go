//go:build windows

package process

import (
	"os"
	"syscall"
)

const processQueryInformation = 0x0400

// terminate has no polite equivalent on Windows; the child is terminated outright.
func terminate(p *os.Process) error { return p.Kill() }

func kill(p *os.Process) error { return p.Kill() }

// Exists reports whether a process with pid is present.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
