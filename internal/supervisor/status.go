package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle status of the supervised backend.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = []string{"starting", "running", "stopping", "stopped", "error"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// ProcessRecord describes the current backend instance. Times are epoch seconds.
// PID is stale once State is StateStopped.
type ProcessRecord struct {
	PID             int    `json:"pid"`
	StartTime       int64  `json:"start_time"`
	RestartCount    uint64 `json:"restart_count"`
	LastHealthCheck int64  `json:"last_health_check"`
	State           State  `json:"status"`
	Reason          string `json:"reason,omitempty"` // set only with StateError
}

// Uptime is the time since StartTime; zero for a stopped record.
func (r ProcessRecord) Uptime(now time.Time) time.Duration {
	if r.State == StateStopped || r.StartTime == 0 {
		return 0
	}
	d := now.Sub(time.Unix(r.StartTime, 0))
	if d < 0 {
		return 0
	}
	return d
}

// StatusText renders State with the error reason, e.g. "error: connection refused".
func (r ProcessRecord) StatusText() string {
	if r.State == StateError && r.Reason != "" {
		return r.State.String() + ": " + r.Reason
	}
	return r.State.String()
}

// BackendStatus is the summary view served to the UI.
type BackendStatus struct {
	Running       bool           `json:"running"`
	Port          int            `json:"port"`
	UptimeSeconds *int64         `json:"uptime_seconds,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Record        *ProcessRecord `json:"record,omitempty"`
}
