package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the backend process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig configures backend resource sampling.
type SamplerConfig struct {
	Name       string
	Interval   time.Duration
	MaxHistory int
}

// Sampler periodically reads CPU and memory of the current backend pid via
// gopsutil and exports them as gauges. It keeps a bounded ring of readings.
type Sampler struct {
	name     string
	interval time.Duration

	mu       sync.RWMutex
	ring     []Sample
	startIdx int
	count    int
	lastPID  int32
	proc     *process.Process

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewSampler creates a sampler; it does nothing until Run is called.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	return &Sampler{
		name:     cfg.Name,
		interval: cfg.Interval,
		ring:     make([]Sample, cfg.MaxHistory),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "backend", Name: "cpu_percent",
			Help: "CPU usage percentage of the backend process.",
		}, []string{"name"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "backend", Name: "memory_mb",
			Help: "Resident memory of the backend process in MB.",
		}, []string{"name"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "backend", Name: "num_threads",
			Help: "Number of threads of the backend process.",
		}, []string{"name"}),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden", Subsystem: "backend", Name: "num_fds",
			Help: "Open file descriptors of the backend process (Unix only).",
		}, []string{"name"}),
	}
}

// Register registers the sampler gauges.
func (s *Sampler) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples pidFn every interval until ctx ends. pidFn returns 0 when no
// backend is live.
func (s *Sampler) Run(ctx context.Context, pidFn func() int) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(pidFn())
		}
	}
}

// SampleOnce takes one reading of pid. A pid <= 0 clears the gauges.
func (s *Sampler) SampleOnce(pid int) {
	if pid <= 0 {
		s.reset()
		return
	}
	sm, err := s.read(int32(pid), time.Now())
	if err != nil {
		slog.Debug("Failed to sample backend", "name", s.name, "pid", pid, "error", err)
		s.reset()
		return
	}
	s.cpuPercent.WithLabelValues(s.name).Set(sm.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(sm.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(sm.NumThreads))
	if runtime.GOOS != "windows" && sm.NumFDs > 0 {
		s.numFDs.WithLabelValues(s.name).Set(float64(sm.NumFDs))
	}
	s.add(sm)
}

func (s *Sampler) read(pid int32, ts time.Time) (Sample, error) {
	s.mu.Lock()
	// CPUPercent is computed against the previous call on the same handle.
	if s.proc == nil || s.lastPID != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc = p
		s.lastPID = pid
	}
	proc := s.proc
	s.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	sm := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			sm.NumFDs = fds
		}
	}
	return sm, nil
}

func (s *Sampler) reset() {
	s.mu.Lock()
	s.proc = nil
	s.lastPID = 0
	s.mu.Unlock()
	s.cpuPercent.DeleteLabelValues(s.name)
	s.memoryMB.DeleteLabelValues(s.name)
	s.numThreads.DeleteLabelValues(s.name)
	s.numFDs.DeleteLabelValues(s.name)
}

func (s *Sampler) add(sm Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < len(s.ring) {
		s.ring[s.count] = sm
		s.count++
		return
	}
	s.ring[s.startIdx] = sm
	s.startIdx = (s.startIdx + 1) % len(s.ring)
}

// History returns readings oldest first.
func (s *Sampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.startIdx+i)%len(s.ring)])
	}
	return out
}

// Latest returns the most recent reading.
func (s *Sampler) Latest() (Sample, bool) {
	h := s.History()
	if len(h) == 0 {
		return Sample{}, false
	}
	return h[len(h)-1], true
}
