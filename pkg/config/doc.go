// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Database settings (shared by the shared store, the admin store and every tenant store):
//
//	TENANTGATE_DB_HOST="localhost"
//	TENANTGATE_DB_PORT="5432"
//	TENANTGATE_DB_USER="postgres"
//	TENANTGATE_DB_PASSWORD="secret"
//	TENANTGATE_SHARED_DB_NAME="tenantgate"
//	TENANTGATE_ADMIN_DB_NAME="postgres"
//	TENANTGATE_TENANT_DB_TEMPLATE="societe_%s"
//	TENANTGATE_DB_LOGGING="false"
//	TENANTGATE_DB_INIT_TIMEOUT="10s"
//
// Cache settings:
//
//	TENANTGATE_CACHE_ENABLED="true"
//	TENANTGATE_CACHE_SIZE="1024"
//	TENANTGATE_CACHE_TTL="5m"
//	TENANTGATE_REDIS_URL="redis://localhost:6379"
//
// Observability settings:
//
//	TENANTGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TENANTGATE_METRICS_ENABLED="true"
//	TENANTGATE_HEALTH_PORT="9090"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Shared DB: %s@%s\n", cfg.Database.SharedName, cfg.Database.Host)
//
// # Related Packages
//
//   - pkg/tenancy: Builds connection parameters from DatabaseConfig
//   - pkg/observability: Uses observability configuration
package config
