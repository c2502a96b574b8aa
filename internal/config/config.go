// Package config loads the supervisor configuration with viper. Files may be
// TOML, YAML or JSON; every key can be overridden by a WARDEN_ environment
// variable (backend.script -> WARDEN_BACKEND_SCRIPT).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/launcher"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/retry"
	"github.com/loykin/warden/internal/supervisor"
)

// EnvPrefix is prepended to environment overrides.
const EnvPrefix = "WARDEN"

type Config struct {
	Backend    BackendConfig    `mapstructure:"backend"`
	Health     HealthConfig     `mapstructure:"health"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
}

type BackendConfig struct {
	Name        string   `mapstructure:"name"`
	Executables []string `mapstructure:"executables"`
	VersionArg  string   `mapstructure:"version_arg"`
	Script      string   `mapstructure:"script"`
	WorkDir     string   `mapstructure:"work_dir"`
	BaseDir     string   `mapstructure:"base_dir"`
	Args        []string `mapstructure:"args"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
	UseOSEnv    bool     `mapstructure:"use_os_env"`
}

type HealthConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BackoffConfig struct {
	Type        string        `mapstructure:"type"`
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	MaxRestarts int           `mapstructure:"max_restarts"`
}

type SupervisorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	ReadinessTimeout  time.Duration `mapstructure:"readiness_timeout"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	AutoStart         bool          `mapstructure:"auto_start"`
	Monitor           bool          `mapstructure:"monitor"`
	ReloadOnChange    bool          `mapstructure:"reload_on_change"`
	WatchPatterns     []string      `mapstructure:"watch_patterns"`
	PIDFile           string        `mapstructure:"pid_file"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
}

// BackendLogConfig is where captured backend output goes.
type BackendLogConfig struct {
	Dir    string `mapstructure:"dir"`
	Stdout string `mapstructure:"stdout"`
	Stderr string `mapstructure:"stderr"`
}

type LogConfig struct {
	Level      string           `mapstructure:"level"`
	Format     string           `mapstructure:"format"`
	File       string           `mapstructure:"file"`
	MaxSizeMB  int              `mapstructure:"max_size_mb"`
	MaxBackups int              `mapstructure:"max_backups"`
	MaxAgeDays int              `mapstructure:"max_age_days"`
	Compress   bool             `mapstructure:"compress"`
	Backend    BackendLogConfig `mapstructure:"backend"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	MaxHistory     int           `mapstructure:"max_history"`
}

type HistoryConfig struct {
	DSN []string `mapstructure:"dsn"`
}

// DefaultExecutables are the interpreter candidates for the current platform.
func DefaultExecutables() []string {
	if runtime.GOOS == "windows" {
		return []string{"python.exe", "python3.exe", "py.exe"}
	}
	return []string{"python3", "python"}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.name", "backend")
	v.SetDefault("backend.executables", DefaultExecutables())
	v.SetDefault("backend.version_arg", "--version")
	v.SetDefault("backend.script", "python-backend/main.py")
	v.SetDefault("backend.work_dir", "python-backend")
	v.SetDefault("backend.base_dir", "")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.use_os_env", true)

	v.SetDefault("health.url", "http://localhost:8000/health")
	v.SetDefault("health.timeout", health.DefaultTimeout)

	v.SetDefault("supervisor.interval", supervisor.DefaultInterval)
	v.SetDefault("supervisor.readiness_timeout", supervisor.DefaultReadinessTimeout)
	v.SetDefault("supervisor.readiness_interval", supervisor.DefaultReadinessInterval)
	v.SetDefault("supervisor.stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("supervisor.restart_delay", supervisor.DefaultRestartDelay)
	v.SetDefault("supervisor.auto_start", true)
	v.SetDefault("supervisor.monitor", true)
	v.SetDefault("supervisor.reload_on_change", false)
	v.SetDefault("supervisor.watch_patterns", []string{"*.py"})
	v.SetDefault("supervisor.pid_file", "")
	v.SetDefault("supervisor.backoff.type", retry.TypeNone)
	v.SetDefault("supervisor.backoff.initial", time.Second)
	v.SetDefault("supervisor.backoff.max", time.Minute)
	v.SetDefault("supervisor.backoff.max_restarts", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.backend.dir", "")
	v.SetDefault("log.backend.stdout", "")
	v.SetDefault("log.backend.stderr", "")

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_interval", 5*time.Second)
	v.SetDefault("metrics.max_history", 120)

	v.SetDefault("history.dsn", []string{})
}

// Default returns the built-in configuration with environment overrides applied.
func Default() (*Config, error) { return Load("") }

// Load reads path (if non-empty), applies WARDEN_ overrides and validates.
// Relative backend paths in a config file resolve against the file's directory
// unless backend.base_dir is set.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" && c.Backend.BaseDir == "" {
		c.Backend.BaseDir = filepath.Dir(path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Backend.Executables) == 0 {
		return errors.New("backend.executables must list at least one candidate")
	}
	if strings.TrimSpace(c.Backend.WorkDir) == "" {
		return errors.New("backend.work_dir is required")
	}
	u, err := url.Parse(c.Health.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("health.url %q must be an absolute http(s) URL", c.Health.URL)
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"health.timeout", c.Health.Timeout},
		{"supervisor.interval", c.Supervisor.Interval},
		{"supervisor.readiness_timeout", c.Supervisor.ReadinessTimeout},
		{"supervisor.readiness_interval", c.Supervisor.ReadinessInterval},
		{"supervisor.stop_timeout", c.Supervisor.StopTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}
	if c.Supervisor.RestartDelay < 0 {
		return fmt.Errorf("supervisor.restart_delay must not be negative, got %s", c.Supervisor.RestartDelay)
	}
	if c.Supervisor.Backoff.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.backoff.max_restarts must not be negative, got %d", c.Supervisor.Backoff.MaxRestarts)
	}
	if _, err := c.BackoffPolicy(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		return fmt.Errorf("log.format %q must be one of text, json, color", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.SampleInterval <= 0 {
		return fmt.Errorf("metrics.sample_interval must be positive, got %s", c.Metrics.SampleInterval)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath)
	}
	return nil
}

// BackoffPolicy builds the automatic restart throttle.
func (c *Config) BackoffPolicy() (retry.Policy, error) {
	b := c.Supervisor.Backoff
	return retry.NewPolicy(b.Type, b.Initial, b.Max)
}

// Environment composes the backend environment. Precedence, lowest first: OS
// environment (when use_os_env), env_files in order, then backend.env.
func (c *Config) Environment() (*env.Env, error) {
	e := env.Isolated()
	if c.Backend.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.Backend.EnvFiles {
		pairs, err := LoadEnvFile(c.resolve(p))
		if err != nil {
			return nil, fmt.Errorf("load env file %s: %w", p, err)
		}
		e = e.WithPairs(pairs)
	}
	return e.WithPairs(c.Backend.Env), nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Backend.BaseDir == "" {
		return p
	}
	return filepath.Join(c.Backend.BaseDir, p)
}

// LoggerConfig maps the log section onto logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: strings.ToLower(c.Log.Format),
		Path:   c.Log.File,
		File: logger.FileConfig{
			Dir:        c.Log.Backend.Dir,
			StdoutPath: c.Log.Backend.Stdout,
			StderrPath: c.Log.Backend.Stderr,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// LauncherConfig resolves the backend launch description.
func (c *Config) LauncherConfig() (launcher.Config, error) {
	e, err := c.Environment()
	if err != nil {
		return launcher.Config{}, err
	}
	return launcher.Config{
		Name:        c.Backend.Name,
		Executables: c.Backend.Executables,
		VersionArg:  c.Backend.VersionArg,
		Script:      c.Backend.Script,
		WorkDir:     c.Backend.WorkDir,
		BaseDir:     c.Backend.BaseDir,
		Args:        c.Backend.Args,
		Env:         e,
		Logs:        c.LoggerConfig(),
	}, nil
}

// SupervisorOptions builds everything the supervisor needs except history.
func (c *Config) SupervisorOptions() (supervisor.Options, error) {
	lc, err := c.LauncherConfig()
	if err != nil {
		return supervisor.Options{}, err
	}
	policy, err := c.BackoffPolicy()
	if err != nil {
		return supervisor.Options{}, err
	}
	return supervisor.Options{
		Launcher:          lc,
		Probe:             health.New(c.Backend.Name, c.Health.URL, c.Health.Timeout),
		Interval:          c.Supervisor.Interval,
		ReadinessTimeout:  c.Supervisor.ReadinessTimeout,
		ReadinessInterval: c.Supervisor.ReadinessInterval,
		StopTimeout:       c.Supervisor.StopTimeout,
		RestartDelay:      c.Supervisor.RestartDelay,
		Backoff:           policy,
		MaxRestarts:       c.Supervisor.Backoff.MaxRestarts,
		PIDFile:           c.resolve(c.Supervisor.PIDFile),
	}, nil
}

// SamplerConfig configures backend resource sampling.
func (c *Config) SamplerConfig() metrics.SamplerConfig {
	return metrics.SamplerConfig{
		Name:       c.Backend.Name,
		Interval:   c.Metrics.SampleInterval,
		MaxHistory: c.Metrics.MaxHistory,
	}
}

// WatchRoot is the absolute backend work directory.
func (c *Config) WatchRoot() string {
	if filepath.IsAbs(c.Backend.WorkDir) {
		return c.Backend.WorkDir
	}
	base := c.Backend.BaseDir
	if base == "" {
		base, _ = os.Getwd()
	}
	return filepath.Join(base, c.Backend.WorkDir)
}

// LoadEnvFile parses a .env file into sorted "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines. Blank lines and # comments are skipped;
// an optional "export " prefix and matching surrounding quotes are stripped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		if k != "" {
			m[k] = v
		}
	}
	return m, nil
}
