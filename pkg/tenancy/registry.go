package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/async"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// SharedKey is the registry key of the shared/auth store
const SharedKey = "__shared__"

const (
	kindTenant = "tenant"
	kindShared = "shared"

	defaultInitTimeout = 10 * time.Second
	closeWorkers       = 8
)

// RegistryConfig configures a Registry. Only Resolver is required.
type RegistryConfig struct {
	Resolver    *CredentialResolver
	Opener      Opener
	Initializer SchemaInitializer

	// InitTimeout bounds open+ping of a single data source
	InitTimeout time.Duration
	// Logging enables per-operation debug logs
	Logging bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Registry owns one connection Handle per tenant. It is safe for concurrent
// use. A coarse mutex guards the map only; every I/O step runs under the
// per-key lock of the entry, so different tenants never wait on each other.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	resolver    *CredentialResolver
	opener      Opener
	initializer SchemaInitializer
	initTimeout time.Duration
	logging     bool
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// entry serializes get/close for one key. The lock is a one-slot channel so
// that waiting for it can honor a context.
type entry struct {
	lock    chan struct{}
	handle  atomic.Pointer[Handle]
	removed bool
}

func newEntry() *entry {
	return &entry{lock: make(chan struct{}, 1)}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) release() {
	<-e.lock
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Opener == nil {
		cfg.Opener = PostgresOpener{}
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	return &Registry{
		entries:     make(map[string]*entry),
		resolver:    cfg.Resolver,
		opener:      cfg.Opener,
		initializer: cfg.Initializer,
		initTimeout: cfg.InitTimeout,
		logging:     cfg.Logging,
		logger:      cfg.Logger.WithComponent("tenant_registry"),
		metrics:     cfg.Metrics,
	}
}

// GetTenantConnection returns the initialized handle for tenantID, opening
// it on first use. Concurrent first calls for one tenant open exactly one
// pool; the other callers wait and reuse it.
func (r *Registry) GetTenantConnection(ctx context.Context, tenantID string) (*Handle, error) {
	if tenantID == "" || tenantID == SharedKey {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return r.get(ctx, tenantID, kindTenant, func() (ConnParams, error) {
		return r.resolver.Tenant(tenantID)
	})
}

// GetSharedConnection returns the handle of the shared/auth store
func (r *Registry) GetSharedConnection(ctx context.Context) (*Handle, error) {
	return r.get(ctx, SharedKey, kindShared, func() (ConnParams, error) {
		return r.resolver.Shared(), nil
	})
}

func (r *Registry) get(ctx context.Context, key, kind string, params func() (ConnParams, error)) (*Handle, error) {
	for {
		e := r.lookupOrCreate(key)

		if err := e.acquire(ctx); err != nil {
			r.pruneEmpty(key, e)
			return nil, &ConnectionError{TenantID: key, Op: "wait", Err: err}
		}

		if e.removed {
			// closed while we waited; start over with a fresh entry
			e.release()
			continue
		}

		if h := e.handle.Load(); h != nil && h.Initialized() {
			e.release()
			return h, nil
		}

		h, err := r.initialize(ctx, key, kind, e.handle.Load(), params)
		if err != nil {
			r.remove(key, e)
			e.release()
			return nil, err
		}
		e.handle.Store(h)
		e.release()

		r.debug(key, "connection initialized")
		r.reportActive()
		return h, nil
	}
}

func (r *Registry) lookupOrCreate(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = newEntry()
		r.entries[key] = e
	}
	return e
}

// remove unregisters e. The caller must hold e's lock.
func (r *Registry) remove(key string, e *entry) {
	e.removed = true
	r.mu.Lock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// pruneEmpty drops an entry that never got a handle, unless someone else is
// working on it.
func (r *Registry) pruneEmpty(key string, e *entry) {
	if !e.tryAcquire() {
		return
	}
	if !e.removed && e.handle.Load() == nil {
		r.remove(key, e)
	}
	e.release()
}

func (r *Registry) initialize(ctx context.Context, key, kind string, existing *Handle, params func() (ConnParams, error)) (*Handle, error) {
	p, err := params()
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, r.initTimeout)
	defer cancel()

	start := time.Now()
	db, err := r.opener.Open(initCtx, p)
	r.metrics.RecordTenantInit(kind, err, time.Since(start))
	if err != nil {
		r.logger.WithTenant(key).WithError(err).Warn("Failed to initialize connection")
		return nil, &ConnectionError{TenantID: key, Op: "open", Err: err}
	}

	if existing != nil {
		existing.reset(db)
		return existing, nil
	}
	return newHandle(key, db), nil
}

// CloseTenantConnection tears down the handle of tenantID and unregisters
// it. Closing an unknown tenant is a no-op, so repeated calls never fail.
func (r *Registry) CloseTenantConnection(ctx context.Context, tenantID string) error {
	return r.close(ctx, tenantID, "explicit")
}

func (r *Registry) close(ctx context.Context, key, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.acquire(ctx); err != nil {
		return &ConnectionError{TenantID: key, Op: "wait", Err: err}
	}
	defer e.release()
	return r.closeLocked(key, e, reason)
}

// closeLocked unregisters e and tears its handle down. The caller must hold
// e's lock; getters waiting on it will see the entry removed and start over.
func (r *Registry) closeLocked(key string, e *entry, reason string) error {
	if e.removed {
		return nil
	}
	r.remove(key, e)
	defer r.reportActive()

	h := e.handle.Load()
	if h == nil || !h.Initialized() {
		return nil
	}
	if err := h.deinitialize(); err != nil {
		return &ConnectionError{TenantID: key, Op: "close", Err: err}
	}
	r.metrics.RecordTenantClose(reason)
	r.debug(key, "connection closed")
	return nil
}

// CloseAllConnections closes every handle concurrently. Individual failures
// do not stop the others; they are joined into the returned error.
func (r *Registry) CloseAllConnections(ctx context.Context) error {
	keys := r.Tenants()
	if len(keys) == 0 {
		return nil
	}

	workers := len(keys)
	if workers > closeWorkers {
		workers = closeWorkers
	}

	errs := async.Batch(ctx, keys, workers, "close tenant connections", r.initTimeout,
		func(ctx context.Context, key string) error {
			return r.close(ctx, key, "shutdown")
		})

	r.logger.WithFields(map[string]interface{}{
		"closed": len(keys) - len(errs),
		"failed": len(errs),
	}).Info("Closed all tenant connections")

	return errors.Join(errs...)
}

// CheckHealth pings every initialized handle. Handles that fail are
// de-initialized so the next Get re-opens them in place.
func (r *Registry) CheckHealth(ctx context.Context) map[string]error {
	keys := r.Tenants()
	results := make(map[string]error, len(keys))
	var mu sync.Mutex

	async.Batch(ctx, keys, closeWorkers, "tenant health check", r.initTimeout,
		func(ctx context.Context, key string) error {
			checked, err := r.checkOne(ctx, key)
			if checked {
				mu.Lock()
				results[key] = err
				mu.Unlock()
			}
			return nil
		})

	return results
}

func (r *Registry) checkOne(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := e.acquire(ctx); err != nil {
		return true, err
	}
	defer e.release()

	h := e.handle.Load()
	if e.removed || h == nil || !h.Initialized() {
		return false, nil
	}

	err := h.DB().PingContext(ctx)
	if err == nil {
		return true, nil
	}

	r.logger.WithTenant(key).WithError(err).Warn("Tenant connection unhealthy, de-initializing")
	if cerr := h.deinitialize(); cerr != nil {
		r.logger.WithTenant(key).WithError(cerr).Warn("Failed to close unhealthy pool")
	}
	r.metrics.RecordTenantClose("unhealthy")
	r.reportActive()
	return true, err
}

// StartHealthCheckRoutine runs CheckHealth every interval until ctx is done
func (r *Registry) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(r.logger, "tenant health check routine")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				results := r.CheckHealth(checkCtx)
				cancel()

				unhealthy := 0
				for _, err := range results {
					if err != nil {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.logger.Warnf("De-initialized %d unhealthy tenant connections", unhealthy)
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Tenants returns the registered keys in sorted order
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns pool statistics of every initialized handle
func (r *Registry) Stats() map[string]sql.DBStats {
	r.mu.Lock()
	handles := make(map[string]*Handle, len(r.entries))
	for k, e := range r.entries {
		if h := e.handle.Load(); h != nil {
			handles[k] = h
		}
	}
	r.mu.Unlock()

	stats := make(map[string]sql.DBStats, len(handles))
	for k, h := range handles {
		if h.Initialized() {
			stats[k] = h.DB().Stats()
		}
	}
	return stats
}

func (r *Registry) reportActive() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetActiveTenantConnections(len(r.Stats()))
}

func (r *Registry) debug(key, msg string) {
	if r.logging {
		r.logger.WithTenant(key).Debug(msg)
	}
}
