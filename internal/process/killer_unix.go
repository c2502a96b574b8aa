//go:build !windows

package process

import "strconv"

// DefaultKiller runs `kill -9 <pid>`.
func DefaultKiller() Killer {
	return CommandKiller{
		Name: "kill",
		Args: func(pid int) []string { return []string{"-9", strconv.Itoa(pid)} },
	}
}
