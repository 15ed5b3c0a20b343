package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/zjrosen/tickhost/internal/log"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TICKHOST_"

// LocalConfigPath is checked before the user config directory.
const LocalConfigPath = ".tickhost/config.yaml"

// UserConfigDir returns ~/.config/tickhost, or an empty string when the home
// directory is unknown.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tickhost")
}

// Overrides are environment variables that win over the config file. Unset
// variables leave the field nil.
type Overrides struct {
	LogLevel            *string         `env:"LOG_LEVEL"`
	LogFile             *string         `env:"LOG_FILE"`
	GuardTimeout        *time.Duration  `env:"GUARD_TIMEOUT"`
	GuardReadTimeout    *time.Duration  `env:"GUARD_READ_TIMEOUT"`
	ResolveGracePeriod  *int            `env:"RESOLVE_GRACE_PERIOD"`
	ScheduleDedupWindow *time.Duration  `env:"SCHEDULE_DEDUP_WINDOW"`
	TracingEnabled      *bool           `env:"TRACING_ENABLED"`
	TracingExporter     *string         `env:"TRACING_EXPORTER"`
	TracingEndpoint     *string         `env:"TRACING_OTLP_ENDPOINT"`
	Flags               map[string]bool `env:"FLAGS"`
}

// ParseOverrides reads TICKHOST_* variables. A nil environ reads the process
// environment.
func ParseOverrides(environ map[string]string) (Overrides, error) {
	var o Overrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return Overrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply copies every set override onto cfg. Flags are merged key by key.
func (o Overrides) Apply(cfg *Config) {
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.File, o.LogFile)
	set(&cfg.Guard.Timeout, o.GuardTimeout)
	set(&cfg.Guard.ReadTimeout, o.GuardReadTimeout)
	set(&cfg.Resolve.GracePeriod, o.ResolveGracePeriod)
	set(&cfg.Schedule.DedupWindow, o.ScheduleDedupWindow)
	set(&cfg.Tracing.Enabled, o.TracingEnabled)
	set(&cfg.Tracing.Exporter, o.TracingExporter)
	set(&cfg.Tracing.OTLPEndpoint, o.TracingEndpoint)
	if len(o.Flags) > 0 && cfg.Flags == nil {
		cfg.Flags = make(map[string]bool, len(o.Flags))
	}
	for k, v := range o.Flags {
		cfg.Flags[k] = v
	}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Loader reads configuration from a file and the environment.
type Loader struct {
	// Path is an explicit config file. Empty searches LocalConfigPath and
	// then UserConfigDir.
	Path string
	// Environ replaces the process environment when non-nil.
	Environ map[string]string
}

// Load reads the config, applies environment overrides, and validates the
// result. It returns the file used, empty when none was found.
func (l Loader) Load() (Config, string, error) {
	v := viper.New()
	switch {
	case l.Path != "":
		v.SetConfigFile(l.Path)
	default:
		if _, err := os.Stat(LocalConfigPath); err == nil {
			v.SetConfigFile(LocalConfigPath)
		} else {
			if dir := UserConfigDir(); dir != "" {
				v.AddConfigPath(dir)
			}
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	cfg := Defaults()
	used := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.Path != "" || !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("reading config: %w", err)
		}
		log.Debug(log.CatConfig, "no config file found, using defaults")
	} else {
		used = v.ConfigFileUsed()
		// A configured domain list replaces the default one rather than
		// merging into it by index.
		if v.IsSet("domains") {
			cfg.Domains = nil
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, used, fmt.Errorf("decoding config %s: %w", used, err)
		}
	}

	o, err := ParseOverrides(l.Environ)
	if err != nil {
		return Config{}, used, err
	}
	o.Apply(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, used, fmt.Errorf("invalid config: %w", err)
	}
	log.Debug(log.CatConfig, "config loaded", "path", used, "domains", len(cfg.Domains))
	return cfg, used, nil
}

// Load is Loader{Path: path}.Load().
func Load(path string) (Config, string, error) {
	return Loader{Path: path}.Load()
}
