// Package config handles loading and hot-reloading of the load balancer's
// operational configuration via Viper. All struct fields map 1-to-1 with
// config.yaml. This covers only ambient operational knobs — the backend
// roster itself is never configured here; it lives in the persisted
// registry file and is mutated exclusively through the management API.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HealthCheckCfg controls active health probing.
type HealthCheckCfg struct {
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	Path     string `mapstructure:"path"`
}

// ParsedPath returns the probe path, defaulting to /connection-test.
func (h HealthCheckCfg) ParsedPath() string {
	if h.Path == "" {
		return "/connection-test"
	}
	return h.Path
}

// ParsedInterval returns the interval as a time.Duration, defaulting to 5s.
func (h HealthCheckCfg) ParsedInterval() time.Duration {
	d, _ := time.ParseDuration(h.Interval)
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ParsedTimeout returns the timeout as a time.Duration, defaulting to 2s.
func (h HealthCheckCfg) ParsedTimeout() time.Duration {
	d, _ := time.ParseDuration(h.Timeout)
	if d <= 0 {
		return 2 * time.Second
	}
	return d
}

// RetryCfg controls forwarding retry behavior against a single target.
type RetryCfg struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	Backoff     string `mapstructure:"backoff"`
}

// ParsedBackoff returns the backoff as a time.Duration, defaulting to 1s.
func (r RetryCfg) ParsedBackoff() time.Duration {
	d, _ := time.ParseDuration(r.Backoff)
	if d <= 0 {
		return 1 * time.Second
	}
	return d
}

// Attempts returns MaxAttempts, defaulting to 3.
func (r RetryCfg) Attempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// RateLimitCfg controls per-client-IP token-bucket rate limiting on the
// proxy surface. Disabled by default — this is an ambient hardening knob,
// not a load-balancing feature.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// AdminAuthCfg controls JWT Bearer-token authentication on the mutating
// management endpoints (POST/DELETE /servers). Disabled by default.
type AdminAuthCfg struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

// Config is the top-level load balancer configuration.
type Config struct {
	ListenAddr      string         `mapstructure:"listen_addr"`
	PersistencePath string         `mapstructure:"persistence_path"`
	LogLevel        string         `mapstructure:"log_level"`
	HealthCheck     HealthCheckCfg `mapstructure:"health_check"`
	Retry           RetryCfg       `mapstructure:"retry"`
	RateLimit       RateLimitCfg   `mapstructure:"rate_limit"`
	AdminAuth       AdminAuthCfg   `mapstructure:"admin_auth"`
}

// Default returns the balancer's built-in configuration, used whenever no
// config file is present or it fails to parse.
func Default() Config {
	return Config{
		ListenAddr:      ":8100",
		PersistencePath: "backends.json",
		LogLevel:        "info",
		HealthCheck:     HealthCheckCfg{Interval: "5s", Timeout: "2s", Path: "/connection-test"},
		Retry:           RetryCfg{MaxAttempts: 3, Backoff: "1s"},
		RateLimit:       RateLimitCfg{Enabled: false, RPS: 50, Burst: 100},
		AdminAuth:       AdminAuthCfg{Enabled: false},
	}
}

// Load reads and parses the YAML file at path using Viper.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file
// is saved. Only fields safe to change without disrupting in-flight
// connections are expected to be applied by the callback — ListenAddr,
// PersistencePath, and Retry require a restart and should be compared
// against the previous value and ignored by callers.
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config: hot-reload failed", "error", err)
			return
		}
		slog.Info("config: hot-reloaded",
			"log_level", cfg.LogLevel,
			"rate_limit_enabled", cfg.RateLimit.Enabled,
			"admin_auth_enabled", cfg.AdminAuth.Enabled,
		)
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("persistence_path", d.PersistencePath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("health_check.interval", d.HealthCheck.Interval)
	v.SetDefault("health_check.timeout", d.HealthCheck.Timeout)
	v.SetDefault("health_check.path", d.HealthCheck.Path)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.rps", d.RateLimit.RPS)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("admin_auth.enabled", d.AdminAuth.Enabled)

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("config: listen_addr must not be empty")
	}
	if cfg.PersistencePath == "" {
		return Config{}, fmt.Errorf("config: persistence_path must not be empty")
	}
	return cfg, nil
}
