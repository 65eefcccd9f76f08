package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, []string{"https://app.workwell.example.com"}, cfg.Server.CORS.AllowedOrigins)
	assert.Equal(t, "workwell-bff", cfg.Identity.Audience)
	assert.Equal(t, []string{"RS256", "ES256"}, cfg.Identity.Algorithms)
	assert.Equal(t, 2, cfg.API.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.API.Retry.BackoffMax, "unset retry fields keep defaults")
	assert.Equal(t, "https://api.workwell.example.com/api_v1/", cfg.API.Root())
	assert.Equal(t, CacheConfig{Driver: "redis", AddrEnv: "WORKWELL_REDIS_ADDR", TTL: 10 * time.Minute}, cfg.Cache)
	assert.Equal(t, "WORKWELL_ANALYTICS_DSN", cfg.Analytics.DSNEnv)
	assert.Equal(t, "Europe/London", cfg.Engagement.DefaultTimezone)
	assert.Equal(t, 5*time.Second, cfg.Engagement.AwaitTimeout)
	assert.Equal(t, time.Minute, cfg.Engagement.SweepInterval)
	assert.Equal(t, "stdout", cfg.Observability.Tracing.Exporter)
}

func TestLoad_errors(t *testing.T) {
	tests := []struct {
		file string
		want []string
	}{
		{"testdata/nonexistent.yaml", []string{"read testdata/nonexistent.yaml"}},
		{"testdata/missing_identity.yaml", []string{
			"identity.issuer is required",
			"identity.jwks_url is required",
			"identity.audience is required",
		}},
		{"testdata/bad_drivers.yaml", []string{`cache.driver "memcached"`, "analytics.dsn_env is required"}},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := Load(tt.file)
			require.Error(t, err)
			for _, want := range tt.want {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, "memory", cfg.Analytics.Driver)
	assert.Equal(t, "sub", cfg.Identity.ClaimPaths["subject_id"])
}

func TestAPIConfig_Root(t *testing.T) {
	for _, base := range []string{"https://api.example.com", "https://api.example.com/"} {
		assert.Equal(t, "https://api.example.com/api_v2/", APIConfig{BaseURL: base, Version: 2}.Root())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKWELL_SERVER_PORT", "3000")
	t.Setenv("WORKWELL_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("WORKWELL_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("WORKWELL_API_BASE_URL", "https://env-api.example.com")
	t.Setenv("WORKWELL_API_TIMEOUT", "4s")
	t.Setenv("WORKWELL_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("WORKWELL_TRACING_SAMPLING_RATE", "0.25")
	t.Setenv("WORKWELL_IDENTITY_JWKS_URL", "")

	cfg, err := Load("testdata/valid.yaml")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port, "env beats file")
	assert.Equal(t, "https://env-issuer.com", cfg.Identity.Issuer)
	assert.Equal(t, "env-audience", cfg.Identity.Audience)
	assert.Equal(t, "https://auth.example.com/.well-known/jwks.json", cfg.Identity.JWKSURL, "empty env is ignored")
	assert.Equal(t, "https://env-api.example.com", cfg.API.BaseURL)
	assert.Equal(t, 4*time.Second, cfg.API.Timeout)
	assert.Equal(t, "error", cfg.Observability.LogLevel)
	assert.InDelta(t, 0.25, cfg.Observability.Tracing.SamplingRate, 1e-9)
}

func TestEnvOverrides_malformed(t *testing.T) {
	t.Setenv("WORKWELL_SERVER_PORT", "eighty")
	t.Setenv("WORKWELL_CACHE_TTL", "forever")

	_, err := Load("testdata/valid.yaml")
	require.Error(t, err)
	assert.ErrorContains(t, err, "WORKWELL_SERVER_PORT")
	assert.ErrorContains(t, err, "WORKWELL_CACHE_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"api version", func(c *Config) { c.API.Version = 0 }, "api.version"},
		{"timezone", func(c *Config) { c.Engagement.DefaultTimezone = "Mars/Olympus_Mons" }, "engagement.default_timezone"},
		{"log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "log_format"},
		{"redis without addr", func(c *Config) { c.Cache.Driver = "redis" }, "cache.addr_env"},
		{"error rate", func(c *Config) { c.API.CircuitBreaker.ErrorRateThreshold = 1.5 }, "error_rate_threshold"},
		{"exporter", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Exporter = "zipkin"
		}, "tracing.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "workwell-bff"
	cfg.API.BaseURL = "https://api.example.com"
	return cfg
}
