// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	API           APIConfig           `yaml:"api"`
	Cache         CacheConfig         `yaml:"cache"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Engagement    EngagementConfig    `yaml:"engagement"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig describes a token bucket. A zero RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// APIConfig describes the upstream wellbeing REST API.
type APIConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Version        int                  `yaml:"version"`
	Timeout        time.Duration        `yaml:"timeout"`
	ActionTimeout  time.Duration        `yaml:"action_timeout"`
	SpecFile       string               `yaml:"spec_file"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// Root returns the versioned API root every route is resolved against,
// e.g. "https://api.example.com/api_v1/".
func (a APIConfig) Root() string {
	base := a.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return fmt.Sprintf("%sapi_v%d/", base, a.Version)
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// CacheConfig describes the collection metadata cache.
type CacheConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// AnalyticsConfig describes where completion events are recorded.
type AnalyticsConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngagementConfig describes lifecycle and history settings.
type EngagementConfig struct {
	DefaultTimezone string        `yaml:"default_timezone"`
	AwaitTimeout    time.Duration `yaml:"await_timeout"`
	SessionIdleTTL  time.Duration `yaml:"session_idle_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleWrites bool    `yaml:"force_sample_writes"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"X-Timezone", "X-Device-Id"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
			},
		},
		API: APIConfig{
			Version:       1,
			Timeout:       10 * time.Second,
			ActionTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Cache: CacheConfig{
			Driver: "memory",
			TTL:    15 * time.Minute,
		},
		Analytics: AnalyticsConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Engagement: EngagementConfig{
			DefaultTimezone: "UTC",
			AwaitTimeout:    15 * time.Second,
			SessionIdleTTL:  30 * time.Minute,
			SweepInterval:   time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load layers the YAML file at path over Defaults, then WORKWELL_*
// environment variables over the file, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	check(c.Identity.Issuer != "", "identity.issuer is required")
	check(c.Identity.JWKSURL != "", "identity.jwks_url is required")
	check(c.Identity.Audience != "", "identity.audience is required")
	check(c.API.BaseURL != "", "api.base_url is required")
	check(c.API.Version >= 1, "api.version must be positive")
	check(c.API.CircuitBreaker.ErrorRateThreshold >= 0 && c.API.CircuitBreaker.ErrorRateThreshold <= 1,
		"api.circuit_breaker.error_rate_threshold must be within [0, 1]")

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		check(c.Cache.AddrEnv != "", "cache.addr_env is required for the redis driver")
	default:
		check(false, "cache.driver %q is not one of memory, redis", c.Cache.Driver)
	}
	switch c.Analytics.Driver {
	case "memory":
	case "postgres":
		check(c.Analytics.DSNEnv != "", "analytics.dsn_env is required for the postgres driver")
	default:
		check(false, "analytics.driver %q is not one of memory, postgres", c.Analytics.Driver)
	}

	obs := c.Observability
	check(obs.LogFormat == "json" || obs.LogFormat == "console",
		"observability.log_format %q is not one of json, console", obs.LogFormat)
	if obs.Tracing.Enabled {
		check(obs.Tracing.Exporter == "" || obs.Tracing.Exporter == "otlp" || obs.Tracing.Exporter == "stdout",
			"observability.tracing.exporter %q is not one of otlp, stdout", obs.Tracing.Exporter)
	}

	if tz := c.Engagement.DefaultTimezone; tz != "" {
		_, err := time.LoadLocation(tz)
		check(err == nil, "engagement.default_timezone: %v", err)
	}
	return errors.Join(errs...)
}

// envBindings maps WORKWELL_* variables onto config fields. Only settings
// that differ between deployments are bound.
func envBindings(cfg *Config) map[string]any {
	return map[string]any{
		"WORKWELL_SERVER_PORT":                 &cfg.Server.Port,
		"WORKWELL_SERVER_HANDLER_TIMEOUT":      &cfg.Server.HandlerTimeout,
		"WORKWELL_IDENTITY_ISSUER":             &cfg.Identity.Issuer,
		"WORKWELL_IDENTITY_JWKS_URL":           &cfg.Identity.JWKSURL,
		"WORKWELL_IDENTITY_AUDIENCE":           &cfg.Identity.Audience,
		"WORKWELL_API_BASE_URL":                &cfg.API.BaseURL,
		"WORKWELL_API_TIMEOUT":                 &cfg.API.Timeout,
		"WORKWELL_CACHE_DRIVER":                &cfg.Cache.Driver,
		"WORKWELL_CACHE_TTL":                   &cfg.Cache.TTL,
		"WORKWELL_ANALYTICS_DRIVER":            &cfg.Analytics.Driver,
		"WORKWELL_ENGAGEMENT_DEFAULT_TIMEZONE": &cfg.Engagement.DefaultTimezone,
		"WORKWELL_OBSERVABILITY_LOG_LEVEL":     &cfg.Observability.LogLevel,
		"WORKWELL_OBSERVABILITY_LOG_FORMAT":    &cfg.Observability.LogFormat,
		"WORKWELL_TRACING_SAMPLING_RATE":       &cfg.Observability.Tracing.SamplingRate,
	}
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	for name, field := range envBindings(cfg) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		var err error
		switch f := field.(type) {
		case *string:
			*f = v
		case *int:
			*f, err = strconv.Atoi(v)
		case *float64:
			*f, err = strconv.ParseFloat(v, 64)
		case *time.Duration:
			*f, err = time.ParseDuration(v)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
