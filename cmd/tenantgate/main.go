package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/config"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/rbac"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

var version = "dev"

func main() {
	createTenant := flag.String("create-tenant", "", "Create the database of this tenant code and exit")
	tenantName := flag.String("tenant-name", "", "Display name recorded with -create-tenant")
	migrateOnly := flag.Bool("migrate-only", false, "Run shared schema migrations and role bootstrap, then exit")
	check := flag.String("check", "", "Evaluate one decision, formatted user_id@tenant:resource:action, and exit")
	checkLevel := flag.String("level", "READ", "Access level required by -check")
	validateSeeds := flag.String("validate-seeds", "", "Bootstrap this role seed file into an in-memory store, report, and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	migrationLog := setupMigrationLogger(cfg.Observability.LogLevel)

	if *validateSeeds != "" {
		stats, err := dryRunSeeds(context.Background(), *validateSeeds, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid role seeds: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("roles=%d permissions=%d\n", stats.TotalRoles, stats.TotalPermissions)
		return
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	tenants := tenancy.NewRegistry(tenancy.RegistryConfig{
		Resolver:    tenancy.NewCredentialResolver(cfg.Database),
		Initializer: tenancy.NewTenantSchema(migrationLog),
		InitTimeout: cfg.Database.InitTimeout,
		Logging:     cfg.Database.Logging,
		Logger:      logger,
		Metrics:     metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *createTenant != "" {
		err := provisionTenant(ctx, tenants, tenancy.TenantDescriptor{Code: *createTenant, Name: *tenantName})
		if closeErr := tenants.CloseAllConnections(context.Background()); closeErr != nil {
			logger.WithError(closeErr).Warn("Failed to close connections")
		}
		if err != nil {
			logger.WithError(err).Error("Tenant provisioning failed")
			os.Exit(1)
		}
		logger.WithTenant(*createTenant).Info("Tenant database ready")
		return
	}

	shared, err := tenants.GetSharedConnection(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to the shared database")
		os.Exit(1)
	}

	store := rbac.NewStore(shared.DB())
	if err := prepareSharedSchema(ctx, shared, store, cfg.RoleSeedFile, migrationLog, logger); err != nil {
		logger.WithError(err).Error("Failed to prepare the shared schema")
		os.Exit(1)
	}
	if *migrateOnly {
		if err := tenants.CloseAllConnections(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to close connections")
		}
		return
	}

	cache, redisClient, err := newQueryCache(ctx, cfg.Cache, metrics)
	if err != nil {
		logger.WithError(err).Error("Failed to set up the query cache")
		os.Exit(1)
	}

	logger.WithField("cache", cacheKind(cache)).Info("Query cache ready")

	if *check != "" {
		engine := rbac.NewEngine(store, rbac.EngineConfig{
			Cache:           cache,
			DefaultCacheTTL: cfg.Cache.TTL,
			Logger:          logger,
			Metrics:         metrics,
		})
		allowed, err := runCheck(ctx, engine, *check, *checkLevel)
		if redisClient != nil {
			redisClient.Close()
		}
		if closeErr := tenants.CloseAllConnections(context.Background()); closeErr != nil {
			logger.WithError(closeErr).Warn("Failed to close connections")
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			os.Exit(2)
		}
		fmt.Println(decision(allowed))
		if !allowed {
			os.Exit(1)
		}
		return
	}

	router := mux.NewRouter()
	checker := observability.NewHealthChecker(shared.DB(), redisClient, tenants).WithVersion(version)
	observability.RegisterHealthRoutes(router, checker)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:    ":" + cfg.Observability.HealthPort,
		Handler: router,
	}

	tenants.StartHealthCheckRoutine(ctx, cfg.Database.HealthCheckInterval)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Database.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("tenant connections", tenants.CloseAllConnections)
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	go func() {
		defer observability.RecoverPanic(logger, "http server")

		logger.Infof("Serving health and metrics on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("tenantgate stopped")
}

func setupMigrationLogger(level observability.LogLevel) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(strings.ToLower(level.String()))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return log
}

func provisionTenant(ctx context.Context, tenants *tenancy.Registry, desc tenancy.TenantDescriptor) error {
	if _, err := tenants.CreateTenantDatabase(ctx, desc); err != nil {
		if errors.Is(err, tenancy.ErrDatabaseExists) {
			return fmt.Errorf("tenant %s already has a database: %w", desc.Code, err)
		}
		return err
	}
	return nil
}

func prepareSharedSchema(ctx context.Context, shared *tenancy.Handle, store *rbac.Store, seedFile string, migrationLog *logrus.Logger, logger *observability.Logger) error {
	applied, err := rbac.RunMigrations(ctx, shared.DB(), migrationLog)
	if err != nil {
		return err
	}

	seeds := rbac.DefaultRoleSeeds()
	if seedFile != "" {
		if seeds, err = rbac.LoadRoleSeeds(seedFile); err != nil {
			return err
		}
	}
	created, err := rbac.Bootstrap(ctx, store, seeds, logger)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"migrations_applied": applied,
		"roles_created":      created,
	}).Info("Shared schema ready")
	return nil
}

// dryRunSeeds bootstraps the seed file into a MemoryStore so that a file can
// be checked without touching the shared database
func dryRunSeeds(ctx context.Context, path string, logger *observability.Logger) (*rbac.PermissionStatistics, error) {
	seeds, err := rbac.LoadRoleSeeds(path)
	if err != nil {
		return nil, err
	}
	store := rbac.NewMemoryStore()
	if _, err := rbac.Bootstrap(ctx, store, seeds, logger.WithComponent("seed_validation")); err != nil {
		return nil, err
	}
	return rbac.NewEngine(store, rbac.EngineConfig{Logger: logger}).GetPermissionStatistics(ctx, nil)
}

// newQueryCache prefers Redis when a URL is configured so that every
// process shares one cache
func newQueryCache(ctx context.Context, cfg config.CacheConfig, metrics *observability.Metrics) (rbac.QueryCache, *redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	if cfg.RedisURL != "" {
		cache, err := rbac.NewRedisCacheFromURL(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, metrics)
		if err != nil {
			return nil, nil, err
		}
		return cache, cache.Client(), nil
	}
	return rbac.NewLRUCache(cfg.Size, cfg.TTL, metrics), nil, nil
}

// runCheck parses "user_id@tenant:resource:action" and asks the engine
func runCheck(ctx context.Context, engine *rbac.Engine, arg, levelName string) (bool, error) {
	user, rest, ok := strings.Cut(arg, "@")
	if !ok {
		return false, fmt.Errorf("%w: expected user_id@tenant:resource:action, got %q", rbac.ErrBadRequest, arg)
	}
	userID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: invalid user id %q", rbac.ErrBadRequest, user)
	}
	tenantID, code, ok := strings.Cut(rest, ":")
	if !ok || tenantID == "" {
		return false, fmt.Errorf("%w: missing tenant in %q", rbac.ErrBadRequest, arg)
	}
	resource, action, err := rbac.ParsePermissionCode(code)
	if err != nil {
		return false, err
	}
	level, err := rbac.ParseAccessLevel(levelName)
	if err != nil {
		return false, err
	}
	return engine.HasPermission(ctx, userID, tenantID, resource, action, level)
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func cacheKind(cache rbac.QueryCache) string {
	switch cache.(type) {
	case *rbac.RedisCache:
		return "redis"
	case *rbac.LRUCache:
		return "lru"
	default:
		return "none"
	}
}
