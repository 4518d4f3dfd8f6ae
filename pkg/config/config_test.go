package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true literal", "true", false, true},
		{"one", "1", false, true},
		{"mixed case", "TRUE", false, true},
		{"false literal", "false", true, false},
		{"garbage is false", "yes", true, false},
		{"unset uses default", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			} else {
				os.Unsetenv("TEST_BOOL")
			}
			assert.Equal(t, tt.want, getEnvBool("TEST_BOOL", tt.defaultValue))
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION", time.Second))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]observability.LogLevel{
		"debug":   observability.DebugLevel,
		"INFO":    observability.InfoLevel,
		"warn":    observability.WarnLevel,
		"warning": observability.WarnLevel,
		"error":   observability.ErrorLevel,
		"verbose": observability.InfoLevel,
	}

	for input, want := range tests {
		t.Run(input, func(t *testing.T) {
			assert.Equal(t, want, parseLogLevel(input))
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "tenantgate", cfg.Database.SharedName)
	assert.Equal(t, "societe_%s", cfg.Database.TenantTemplate)
	assert.False(t, cfg.Database.Logging)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("TENANTGATE_DB_HOST", "db.internal")
	t.Setenv("TENANTGATE_DB_PORT", "6543")
	t.Setenv("TENANTGATE_DB_USER", "app")
	t.Setenv("TENANTGATE_DB_PASSWORD", "s3cret")
	t.Setenv("TENANTGATE_SHARED_DB_NAME", "auth")
	t.Setenv("TENANTGATE_TENANT_DB_TEMPLATE", "tenant_%s_db")
	t.Setenv("TENANTGATE_DB_LOGGING", "true")
	t.Setenv("TENANTGATE_DB_INIT_TIMEOUT", "3s")
	t.Setenv("TENANTGATE_REDIS_URL", "redis://cache:6379")
	t.Setenv("TENANTGATE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "app", cfg.Database.Username)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "auth", cfg.Database.SharedName)
	assert.Equal(t, "tenant_%s_db", cfg.Database.TenantTemplate)
	assert.True(t, cfg.Database.Logging)
	assert.Equal(t, 3*time.Second, cfg.Database.InitTimeout)
	assert.Equal(t, "redis://cache:6379", cfg.Cache.RedisURL)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:      DefaultDatabaseConfig(),
			Cache:         CacheConfig{Enabled: true, Size: 10, TTL: time.Minute},
			Observability: ObservabilityConfig{HealthPort: "9090"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing host", func(c *Config) { c.Database.Host = "" }, "database host is required"},
		{"bad port", func(c *Config) { c.Database.Port = 70000 }, "invalid database port"},
		{"missing shared name", func(c *Config) { c.Database.SharedName = "" }, "shared database name"},
		{"template without verb", func(c *Config) { c.Database.TenantTemplate = "tenant" }, "exactly one %s"},
		{"template with two verbs", func(c *Config) { c.Database.TenantTemplate = "%s_%s" }, "exactly one %s"},
		{"min above max", func(c *Config) { c.Database.MinConns = 50 }, "exceeds max connections"},
		{"zero init timeout", func(c *Config) { c.Database.InitTimeout = 0 }, "init timeout"},
		{"zero cache size", func(c *Config) { c.Cache.Size = 0 }, "cache size"},
		{"zero cache size with redis", func(c *Config) { c.Cache.Size = 0; c.Cache.RedisURL = "redis://x:6379" }, ""},
		{"missing health port", func(c *Config) { c.Observability.HealthPort = "" }, "health port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
