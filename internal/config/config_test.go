package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/tickhost/internal/flags"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Len(t, cfg.Domains, 1)
	require.Equal(t, "main", cfg.Domains[0].Name)
	require.Positive(t, cfg.Domains[0].TickRate)
	require.Equal(t, 50*time.Millisecond, cfg.Guard.Timeout)
	require.Equal(t, 2*time.Millisecond, cfg.Guard.ReadTimeout)
	require.Equal(t, 300, cfg.Resolve.GracePeriod)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, flags.Defaults(), cfg.Flags)
	require.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "no domains",
			mutate:  func(c *Config) { c.Domains = nil },
			wantErr: "at least one domain",
		},
		{
			name:    "empty domain name",
			mutate:  func(c *Config) { c.Domains[0].Name = "" },
			wantErr: "domains[0].name is required",
		},
		{
			name: "duplicate domain",
			mutate: func(c *Config) {
				c.Domains = append(c.Domains, DomainConfig{Name: "main", TickRate: time.Second})
			},
			wantErr: "duplicated",
		},
		{
			name:    "zero tick rate",
			mutate:  func(c *Config) { c.Domains[0].TickRate = 0 },
			wantErr: "tick_rate must be positive",
		},
		{
			name:    "negative guard timeout",
			mutate:  func(c *Config) { c.Guard.ReadTimeout = -time.Millisecond },
			wantErr: "guard timeouts",
		},
		{
			name:    "negative grace period",
			mutate:  func(c *Config) { c.Resolve.GracePeriod = -1 },
			wantErr: "grace_period",
		},
		{
			name:    "negative dedup window",
			mutate:  func(c *Config) { c.Schedule.DedupWindow = -time.Second },
			wantErr: "dedup_window",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
		{
			name:    "sample rate above one",
			mutate:  func(c *Config) { c.Tracing.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "tracing.exporter",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
				c.Tracing.OTLPEndpoint = ""
			},
			wantErr: "otlp_endpoint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Domains[0].TickRate = 0
	cfg.Resolve.GracePeriod = -1

	err := Validate(cfg)
	require.ErrorContains(t, err, "tick_rate")
	require.ErrorContains(t, err, "grace_period")
}

func TestWriteDefaultConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	cfg, used, err := Loader{Path: path, Environ: map[string]string{}}.Load()
	require.NoError(t, err)
	require.Equal(t, path, used)
	require.Equal(t, Defaults(), cfg)
}

func TestMarshal_IsYAML(t *testing.T) {
	out, err := Marshal(Defaults())
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	require.Contains(t, back, "domains")
	require.Contains(t, back, "guard")
	require.Contains(t, back, "flags")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
domains:
  - name: render
    tick_rate: 16ms
  - name: physics
    tick_rate: 5ms
guard:
  read_timeout: 1ms
resolve:
  grace_period: 10
flags:
  order-trace: true
`)
	cfg, _, err := Loader{Path: path, Environ: map[string]string{}}.Load()
	require.NoError(t, err)

	require.Equal(t, []DomainConfig{
		{Name: "render", TickRate: 16 * time.Millisecond},
		{Name: "physics", TickRate: 5 * time.Millisecond},
	}, cfg.Domains)
	require.Equal(t, time.Millisecond, cfg.Guard.ReadTimeout)
	require.Equal(t, 50*time.Millisecond, cfg.Guard.Timeout, "unset keys keep defaults")
	require.Equal(t, 10, cfg.Resolve.GracePeriod)
	require.True(t, cfg.Flags[flags.FlagOrderTrace])
	require.True(t, cfg.Flags[flags.FlagTickTracing], "unset flags keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	cfg, _, err := Loader{Path: path, Environ: map[string]string{
		"TICKHOST_LOG_LEVEL":            "debug",
		"TICKHOST_GUARD_TIMEOUT":        "75ms",
		"TICKHOST_RESOLVE_GRACE_PERIOD": "0",
		"TICKHOST_FLAGS":                "tick-tracing:false",
	}}.Load()
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 75*time.Millisecond, cfg.Guard.Timeout)
	require.Zero(t, cfg.Resolve.GracePeriod)
	require.False(t, cfg.Flags[flags.FlagTickTracing])
	require.True(t, cfg.Flags[flags.FlagResolveDiagnostics])
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "domains:\n  - name: main\n    tick_rate: 0s\n")
	_, _, err := Loader{Path: path, Environ: map[string]string{}}.Load()
	require.ErrorContains(t, err, "invalid config")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Loader{
		Path:    filepath.Join(t.TempDir(), "absent.yaml"),
		Environ: map[string]string{},
	}.Load()
	require.Error(t, err)
}

func TestParseOverrides_Unset(t *testing.T) {
	o, err := ParseOverrides(map[string]string{})
	require.NoError(t, err)
	require.Nil(t, o.LogLevel)
	require.Nil(t, o.GuardTimeout)
	require.Empty(t, o.Flags)

	cfg := Defaults()
	o.Apply(&cfg)
	require.Equal(t, Defaults(), cfg)
}

func TestParseOverrides_BadValue(t *testing.T) {
	_, err := ParseOverrides(map[string]string{"TICKHOST_GUARD_TIMEOUT": "soon"})
	require.ErrorContains(t, err, "parse env")
}
