package client

// Record is the backend's process record as served by GET /status.
type Record struct {
	PID             int    `json:"pid"`
	StartTime       int64  `json:"start_time"`
	RestartCount    uint64 `json:"restart_count"`
	LastHealthCheck int64  `json:"last_health_check"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

// BackendStatus is the summary served by GET /backend.
type BackendStatus struct {
	Running       bool    `json:"running"`
	Port          int     `json:"port"`
	UptimeSeconds *int64  `json:"uptime_seconds,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
	Record        *Record `json:"record,omitempty"`
}

// Sample is one backend resource reading.
type Sample struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
	Timestamp  string  `json:"timestamp"`
}

// Response is the body of a successful lifecycle call.
type Response struct {
	OK      bool    `json:"ok"`
	Message string  `json:"message,omitempty"`
	Record  *Record `json:"record,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
