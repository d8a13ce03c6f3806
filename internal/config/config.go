package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// AgentConfig controls how the claude CLI is launched.
type AgentConfig struct {
	Binary               string            `yaml:"binary"`
	Model                string            `yaml:"model"`
	StreamTimeoutSeconds int               `yaml:"stream_timeout_seconds"`
	TimeoutSeconds       int               `yaml:"timeout_seconds"`
	PollIntervalSeconds  int               `yaml:"poll_interval_seconds"`
	ExtraArgs            []string          `yaml:"extra_args"`
	Env                  map[string]string `yaml:"env"`
	WorkDir              string            `yaml:"work_dir"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type HealthConfig struct {
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
	StaleThresholdSeconds   int `yaml:"stale_threshold_seconds"`
}

// TelemetryConfig maps onto otel.Config.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MemoryConfig points at an optional claude-mem worker that keeps
// conversation history across tasks.
type MemoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Project string `yaml:"project"`
}

// ScheduleConfig is a prompt submitted as a background task on a cron schedule.
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Channel string `yaml:"channel"`
	ChatID  string `yaml:"chat_id"`
	Prompt  string `yaml:"prompt"`
	Model   string `yaml:"model"`
}

// RateLimitConfig throttles gateway requests per API key or remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	TaskDir               string `yaml:"task_dir"`
	MaxConcurrentTasks    int    `yaml:"max_concurrent_tasks"`
	DrainTimeoutSeconds   int    `yaml:"drain_timeout_seconds"`
	StatusIntervalSeconds int    `yaml:"status_interval_seconds"`
	ActivityMaxChars      int    `yaml:"activity_max_chars"`

	Agent     AgentConfig      `yaml:"agent"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Health    HealthConfig     `yaml:"health"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Memory    MemoryConfig     `yaml:"memory"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

const (
	DefaultBinary = "claude"
	DefaultModel  = "claude-cli/claude-sonnet-4-5"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect new tasks.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|bin=%s|model=%s|stream=%d|interval=%d|max=%d|schedules=%d",
		c.BindAddr, c.LogLevel, c.Agent.Binary, c.Agent.Model, c.Agent.StreamTimeoutSeconds,
		c.StatusIntervalSeconds, c.MaxConcurrentTasks, len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (a AgentConfig) StreamTimeout() time.Duration {
	return time.Duration(a.StreamTimeoutSeconds) * time.Second
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		BindAddr:              "127.0.0.1:18790",
		MaxConcurrentTasks:    4,
		DrainTimeoutSeconds:   10,
		StatusIntervalSeconds: 60,
		ActivityMaxChars:      80,
		Agent: AgentConfig{
			Binary:               DefaultBinary,
			Model:                DefaultModel,
			StreamTimeoutSeconds: 900,
			TimeoutSeconds:       300,
			PollIntervalSeconds:  60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Health: HealthConfig{
			SnapshotIntervalSeconds: 30,
			StaleThresholdSeconds:   300,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "clawtask",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWTASK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawtask")
}

// Load reads <home>/config.yaml (a missing file means defaults), applies env
// overrides, fills defaults and validates.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawtask home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks must be >= 0, got %d", c.MaxConcurrentTasks))
	}
	if c.StatusIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("status_interval_seconds must be >= 0, got %d", c.StatusIntervalSeconds))
	}
	if c.Agent.StreamTimeoutSeconds < 0 || c.Agent.TimeoutSeconds < 0 || c.Agent.PollIntervalSeconds < 0 {
		errs = append(errs, errors.New("agent timeouts must be >= 0"))
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp-http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp-http", c.Telemetry.Exporter))
	}
	if c.Memory.Enabled {
		if u, err := url.Parse(c.Memory.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("memory.url %q must be an http(s) URL", c.Memory.URL))
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate))
	}
	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		name := s.Name
		if name == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: name is required", i))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d] %q: invalid cron %q: %w", i, name, s.Cron, err))
		}
		if strings.TrimSpace(s.Prompt) == "" {
			errs = append(errs, fmt.Errorf("schedules[%d] %q: prompt is required", i, name))
		}
	}
	return errors.Join(errs...)
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if strings.TrimSpace(cfg.TaskDir) == "" {
		cfg.TaskDir = filepath.Join(cfg.HomeDir, "tasks")
	} else if !filepath.IsAbs(cfg.TaskDir) {
		cfg.TaskDir = filepath.Join(cfg.HomeDir, cfg.TaskDir)
	}
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if cfg.StatusIntervalSeconds == 0 {
		cfg.StatusIntervalSeconds = 60
	}
	if cfg.ActivityMaxChars <= 0 {
		cfg.ActivityMaxChars = 80
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = DefaultBinary
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.StreamTimeoutSeconds == 0 {
		cfg.Agent.StreamTimeoutSeconds = 900
	}
	if cfg.Agent.TimeoutSeconds == 0 {
		cfg.Agent.TimeoutSeconds = 300
	}
	if cfg.Agent.PollIntervalSeconds == 0 {
		cfg.Agent.PollIntervalSeconds = 60
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.Health.SnapshotIntervalSeconds <= 0 {
		cfg.Health.SnapshotIntervalSeconds = 30
	}
	if cfg.Health.StaleThresholdSeconds <= 0 {
		cfg.Health.StaleThresholdSeconds = 300
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "clawtask"
	}
	if cfg.Memory.URL == "" {
		cfg.Memory.URL = "http://127.0.0.1:37777"
	}
	if cfg.Memory.Project == "" {
		cfg.Memory.Project = "clawtask"
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].Channel == "" {
			cfg.Schedules[i].Channel = "cron"
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWTASK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWTASK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWTASK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CLAWTASK_STREAM_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.StreamTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAWTASK_MODEL"); raw != "" {
		cfg.Agent.Model = raw
	}
	if raw := os.Getenv("CLAUDE_BINARY"); raw != "" {
		cfg.Agent.Binary = raw
	}
	if raw := os.Getenv("CLAUDE_MEM_URL"); raw != "" {
		cfg.Memory.URL = raw
		cfg.Memory.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
