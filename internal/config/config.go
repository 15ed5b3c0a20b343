// Package config provides configuration types, defaults, loading and
// validation for tickhost.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/tickhost/internal/flags"
	"github.com/zjrosen/tickhost/internal/log"
	"github.com/zjrosen/tickhost/internal/tracing"
)

// DomainConfig declares one execution domain.
type DomainConfig struct {
	Name     string        `mapstructure:"name" yaml:"name"`
	TickRate time.Duration `mapstructure:"tick_rate" yaml:"tick_rate"`
}

// GuardConfig bounds how long registry calls wait for the shared guard.
type GuardConfig struct {
	// Timeout bounds bind, add and remove.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// ReadTimeout bounds tryGet and query. Keep it well under a tick.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// ResolveConfig tunes dependency resolution diagnostics.
type ResolveConfig struct {
	// GracePeriod is the number of ticks after which a still-unresolved
	// system has its pending slots logged. 0 disables the report.
	GracePeriod int `mapstructure:"grace_period" yaml:"grace_period"`
}

// ScheduleConfig tunes scheduled actions.
type ScheduleConfig struct {
	// DedupWindow is how long a once-key is remembered after running.
	// 0 remembers it for the life of the domain.
	DedupWindow time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
}

// LogConfig selects log level and destination.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// Config holds all configuration options for tickhost.
type Config struct {
	Domains     []DomainConfig  `mapstructure:"domains" yaml:"domains"`
	Guard       GuardConfig     `mapstructure:"guard" yaml:"guard"`
	Resolve     ResolveConfig   `mapstructure:"resolve" yaml:"resolve"`
	Schedule    ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
	Log         LogConfig       `mapstructure:"log" yaml:"log"`
	Tracing     tracing.Config  `mapstructure:"tracing" yaml:"tracing"`
	Flags       map[string]bool `mapstructure:"flags" yaml:"flags"`
	WatchConfig bool            `mapstructure:"watch_config" yaml:"watch_config"`
}

// Defaults returns a Config with a single 60Hz domain.
func Defaults() Config {
	return Config{
		Domains: []DomainConfig{
			{Name: "main", TickRate: time.Second / 60},
		},
		Guard: GuardConfig{
			Timeout:     50 * time.Millisecond,
			ReadTimeout: 2 * time.Millisecond,
		},
		Resolve: ResolveConfig{GracePeriod: 300},
		Schedule: ScheduleConfig{
			DedupWindow: 0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: tracing.DefaultConfig(),
		Flags:   flags.Defaults(),
	}
}

// DefaultTracesFilePath returns ~/.config/tickhost/traces/traces.jsonl, or an
// empty string when the home directory is unknown.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tickhost", "traces", "traces.jsonl")
}

// Validate checks cfg for errors. All problems are reported together.
func Validate(cfg Config) error {
	var errs []error
	if len(cfg.Domains) == 0 {
		errs = append(errs, errors.New("domains: at least one domain is required"))
	}
	seen := make(map[string]bool, len(cfg.Domains))
	for i, d := range cfg.Domains {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("domains[%d].name is required", i))
		case seen[d.Name]:
			errs = append(errs, fmt.Errorf("domains[%d].name %q is duplicated", i, d.Name))
		}
		seen[d.Name] = true
		if d.TickRate <= 0 {
			errs = append(errs, fmt.Errorf("domains[%d].tick_rate must be positive, got %s", i, d.TickRate))
		}
	}
	if cfg.Guard.Timeout < 0 || cfg.Guard.ReadTimeout < 0 {
		errs = append(errs, errors.New("guard timeouts must not be negative"))
	}
	if cfg.Resolve.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("resolve.grace_period must not be negative, got %d", cfg.Resolve.GracePeriod))
	}
	if cfg.Schedule.DedupWindow < 0 {
		errs = append(errs, fmt.Errorf("schedule.dedup_window must not be negative, got %s", cfg.Schedule.DedupWindow))
	}
	if _, ok := log.ParseLevel(cfg.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == "otlp" && t.OTLPEndpoint == "" {
		return errors.New("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// DefaultConfigTemplate returns the default config as commented YAML.
func DefaultConfigTemplate() string {
	body, err := Marshal(Defaults())
	if err != nil {
		// Defaults are static; a marshal failure is a programming error.
		panic(err)
	}
	return `# tickhost configuration
#
# domains: each runs its systems on its own goroutine at tick_rate.
# guard: how long registry calls wait for the shared lock before skipping.
# resolve.grace_period: ticks before an unresolved system is reported.
# schedule.dedup_window: how long once-keys are remembered (0 = forever).
# tracing.exporter: none | file | stdout | otlp
# watch_config: reload tick rates and flags when this file changes.
#
# Environment overrides: TICKHOST_LOG_LEVEL, TICKHOST_LOG_FILE,
# TICKHOST_GUARD_TIMEOUT, TICKHOST_GUARD_READ_TIMEOUT,
# TICKHOST_RESOLVE_GRACE_PERIOD, TICKHOST_SCHEDULE_DEDUP_WINDOW,
# TICKHOST_TRACING_ENABLED, TICKHOST_TRACING_EXPORTER, TICKHOST_FLAGS.

` + string(body)
}

// WriteDefaultConfig creates a config file at configPath with default
// settings, creating the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
