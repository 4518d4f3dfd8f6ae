package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Database connection targets (shared store, admin store, tenant stores)
	Database DatabaseConfig

	// Permission query cache
	Cache CacheConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Bootstrap settings
	RoleSeedFile string
}

// DatabaseConfig holds the connection settings shared by every data source.
// Only the database name differs between the shared store and a tenant store.
type DatabaseConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSLMode  string

	// SharedName is the shared/auth database
	SharedName string
	// AdminName is the bootstrap database used to issue CREATE DATABASE
	AdminName string
	// TenantTemplate is a fmt template with one %s verb, e.g. "societe_%s"
	TenantTemplate string

	// Logging enables statement-level debug logging for registry operations
	Logging bool

	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration

	// InitTimeout bounds opening and pinging a single data source
	InitTimeout         time.Duration
	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration
}

// CacheConfig holds query cache settings
type CacheConfig struct {
	Enabled bool
	Size    int
	TTL     time.Duration

	// Redis is used instead of the in-process cache when RedisURL is set
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	HealthPort     string
}

// DefaultDatabaseConfig returns sensible default database configuration
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:                "localhost",
		Port:                5432,
		Username:            "postgres",
		SSLMode:             "disable",
		SharedName:          "tenantgate",
		AdminName:           "postgres",
		TenantTemplate:      "societe_%s",
		MaxConns:            10,
		MinConns:            2,
		MaxLifetime:         time.Hour,
		MaxIdleTime:         10 * time.Minute,
		InitTimeout:         10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Observability: loadObservabilityConfig(),
		RoleSeedFile:  getEnv("TENANTGATE_ROLE_SEED_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	cfg := DefaultDatabaseConfig()

	cfg.Host = getEnv("TENANTGATE_DB_HOST", cfg.Host)
	cfg.Port = getEnvInt("TENANTGATE_DB_PORT", cfg.Port)
	cfg.Username = getEnv("TENANTGATE_DB_USER", cfg.Username)
	cfg.Password = getEnv("TENANTGATE_DB_PASSWORD", cfg.Password)
	cfg.SSLMode = getEnv("TENANTGATE_DB_SSLMODE", cfg.SSLMode)
	cfg.SharedName = getEnv("TENANTGATE_SHARED_DB_NAME", cfg.SharedName)
	cfg.AdminName = getEnv("TENANTGATE_ADMIN_DB_NAME", cfg.AdminName)
	cfg.TenantTemplate = getEnv("TENANTGATE_TENANT_DB_TEMPLATE", cfg.TenantTemplate)
	cfg.Logging = getEnvBool("TENANTGATE_DB_LOGGING", cfg.Logging)

	if maxConns := getEnvInt("TENANTGATE_DB_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("TENANTGATE_DB_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxLifetime = getEnvDuration("TENANTGATE_DB_MAX_LIFETIME", cfg.MaxLifetime)
	cfg.MaxIdleTime = getEnvDuration("TENANTGATE_DB_MAX_IDLE_TIME", cfg.MaxIdleTime)
	cfg.InitTimeout = getEnvDuration("TENANTGATE_DB_INIT_TIMEOUT", cfg.InitTimeout)
	cfg.HealthCheckInterval = getEnvDuration("TENANTGATE_HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)
	cfg.ShutdownTimeout = getEnvDuration("TENANTGATE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	return cfg
}

// loadCacheConfig loads cache configuration from environment
func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:       getEnvBool("TENANTGATE_CACHE_ENABLED", true),
		Size:          getEnvInt("TENANTGATE_CACHE_SIZE", 1024),
		TTL:           getEnvDuration("TENANTGATE_CACHE_TTL", 5*time.Minute),
		RedisURL:      getEnv("TENANTGATE_REDIS_URL", ""),
		RedisPassword: getEnv("TENANTGATE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("TENANTGATE_REDIS_DB", 0),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("TENANTGATE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("TENANTGATE_METRICS_ENABLED", true),
		HealthPort:     getEnv("TENANTGATE_HEALTH_PORT", "9090"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.SharedName == "" {
		return fmt.Errorf("shared database name is required")
	}
	if c.Database.AdminName == "" {
		return fmt.Errorf("admin database name is required")
	}
	if strings.Count(c.Database.TenantTemplate, "%s") != 1 {
		return fmt.Errorf("tenant database template must contain exactly one %%s: %q", c.Database.TenantTemplate)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min connections (%d) exceeds max connections (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Database.InitTimeout <= 0 {
		return fmt.Errorf("database init timeout must be positive")
	}

	if c.Cache.Enabled && c.Cache.RedisURL == "" && c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive when the in-process cache is enabled")
	}

	if c.Observability.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
