//go:build windows

package process

import "strconv"

// DefaultKiller runs `taskkill /F /PID <pid>`.
func DefaultKiller() Killer {
	return CommandKiller{
		Name: "taskkill",
		Args: func(pid int) []string { return []string{"/F", "/PID", strconv.Itoa(pid)} },
	}
}
