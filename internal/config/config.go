// Package config provides layered configuration loading for dispatchd.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/dispatchd/internal/escalation"
	"github.com/marcus-qen/dispatchd/internal/rollback"
	"github.com/marcus-qen/dispatchd/internal/supervisor"
	"github.com/marcus-qen/dispatchd/internal/verifier"
)

// Config holds all dispatchd configuration. Durations are stored as
// parseable strings (e.g. "30s") rather than time.Duration, since YAML
// has no native duration type; each sub-config exposes a ToXxxConfig
// method that parses them into the component's real Config type.
type Config struct {
	// Listen address for the metrics/health HTTP server (default ":9090").
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases and the Phase Ledger (default "/var/lib/dispatchd").
	DataDir string `yaml:"data_dir"`
	// Log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// TickIntervalSeconds is the delay between dispatcher ticks.
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`

	Supervisor SupervisorConfig         `yaml:"supervisor"`
	Verifier   verifier.IntegrityConfig `yaml:"verifier"`
	Escalation EscalationConfig         `yaml:"escalation"`
	Rollback   RollbackConfig           `yaml:"rollback"`
	Evidence   EvidenceConfig           `yaml:"evidence"`
	Tracing    TracingConfig            `yaml:"tracing"`
}

// SupervisorConfig is the YAML-friendly form of supervisor.Config.
type SupervisorConfig struct {
	MaxConcurrent    int     `yaml:"max_concurrent"`
	MaxMemoryPercent float64 `yaml:"max_memory_percent"`
	CheckInterval    string  `yaml:"check_interval"`
	ProcessTimeout   string  `yaml:"process_timeout"`
}

// ToSupervisorConfig parses the string durations, falling back to the
// component's own defaults for any that fail to parse.
func (c SupervisorConfig) ToSupervisorConfig() supervisor.Config {
	def := supervisor.DefaultConfig()
	return supervisor.Config{
		MaxConcurrent:    c.MaxConcurrent,
		MaxMemoryPercent: c.MaxMemoryPercent,
		CheckInterval:    durationOrDefault(c.CheckInterval, def.CheckInterval),
		ProcessTimeout:   durationOrDefault(c.ProcessTimeout, def.ProcessTimeout),
	}
}

// EscalationConfig is the YAML-friendly form of escalation.Config.
type EscalationConfig struct {
	ScanInterval string `yaml:"scan_interval"`
}

// ToEscalationConfig parses ScanInterval, falling back to the component
// default if it fails to parse.
func (c EscalationConfig) ToEscalationConfig() escalation.Config {
	def := escalation.DefaultConfig()
	return escalation.Config{
		ScanInterval: durationOrDefault(c.ScanInterval, def.ScanInterval),
	}
}

// RollbackConfig is the YAML-friendly form of rollback.Config.
type RollbackConfig struct {
	Enabled            bool    `yaml:"enabled"`
	GraceWindow        string  `yaml:"grace_window"`
	CheckInterval      string  `yaml:"check_interval"`
	WindowSize         int     `yaml:"window_size"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	ConsecutiveFailN   int     `yaml:"consecutive_fail_n"`
}

// ToRollbackConfig parses the string durations, falling back to the
// component's own defaults for any that fail to parse.
func (c RollbackConfig) ToRollbackConfig() rollback.Config {
	def := rollback.DefaultConfig()
	return rollback.Config{
		Enabled:            c.Enabled,
		GraceWindow:        durationOrDefault(c.GraceWindow, def.GraceWindow),
		CheckInterval:      durationOrDefault(c.CheckInterval, def.CheckInterval),
		WindowSize:         c.WindowSize,
		ErrorRateThreshold: c.ErrorRateThreshold,
		ConsecutiveFailN:   c.ConsecutiveFailN,
	}
}

func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// EvidenceConfig configures the OCI registry evidence bundles are pushed to.
type EvidenceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Registry  string `yaml:"registry,omitempty"`
	Path      string `yaml:"path,omitempty"`
	PlainHTTP bool   `yaml:"plain_http"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	sup := supervisor.DefaultConfig()
	esc := escalation.DefaultConfig()
	rb := rollback.DefaultConfig()
	return Config{
		ListenAddr:          ":9090",
		DataDir:             "/var/lib/dispatchd",
		LogLevel:            "info",
		TickIntervalSeconds: 10,
		Supervisor: SupervisorConfig{
			MaxConcurrent:    sup.MaxConcurrent,
			MaxMemoryPercent: sup.MaxMemoryPercent,
			CheckInterval:    sup.CheckInterval.String(),
			ProcessTimeout:   sup.ProcessTimeout.String(),
		},
		Verifier: verifier.DefaultIntegrityConfig(),
		Escalation: EscalationConfig{
			ScanInterval: esc.ScanInterval.String(),
		},
		Rollback: RollbackConfig{
			Enabled:            rb.Enabled,
			GraceWindow:        rb.GraceWindow.String(),
			CheckInterval:      rb.CheckInterval.String(),
			WindowSize:         rb.WindowSize,
			ErrorRateThreshold: rb.ErrorRateThreshold,
			ConsecutiveFailN:   rb.ConsecutiveFailN,
		},
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables. An empty path skips the file and applies defaults + env only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from defaults overlaid with environment
// variables only, with no file involved.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DISPATCHD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DISPATCHD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DISPATCHD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISPATCHD_TICK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickIntervalSeconds = n
		}
	}
	if v := os.Getenv("DISPATCHD_SUPERVISOR_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DISPATCHD_SUPERVISOR_MAX_MEMORY_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Supervisor.MaxMemoryPercent = f
		}
	}
	if v := os.Getenv("DISPATCHD_ROLLBACK_ENABLED"); v != "" {
		cfg.Rollback.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DISPATCHD_EVIDENCE_ENABLED"); v != "" {
		cfg.Evidence.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DISPATCHD_EVIDENCE_REGISTRY"); v != "" {
		cfg.Evidence.Registry = v
	}
	if v := os.Getenv("DISPATCHD_EVIDENCE_PATH"); v != "" {
		cfg.Evidence.Path = v
	}
	if v := os.Getenv("DISPATCHD_EVIDENCE_USERNAME"); v != "" {
		cfg.Evidence.Username = v
	}
	if v := os.Getenv("DISPATCHD_EVIDENCE_PASSWORD"); v != "" {
		cfg.Evidence.Password = v
	}
	if v := os.Getenv("DISPATCHD_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
}

// Save writes configuration to a YAML file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}
