package tenancy

import (
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is a live connection pool for one tenant (or the shared store).
// Handles are owned by the Registry; callers must not Close the DB.
type Handle struct {
	tenantID string

	mu          sync.RWMutex
	db          *sql.DB
	initialized bool
	generation  uuid.UUID
	openedAt    time.Time
}

func newHandle(tenantID string, db *sql.DB) *Handle {
	h := &Handle{tenantID: tenantID}
	h.reset(db)
	return h
}

// TenantID returns the registry key of the handle
func (h *Handle) TenantID() string {
	return h.tenantID
}

// DB returns the underlying pool
func (h *Handle) DB() *sql.DB {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.db
}

// Initialized reports whether the pool is open
func (h *Handle) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

// Generation identifies the current pool. It changes on every
// re-initialization.
func (h *Handle) Generation() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation.String()
}

// OpenedAt returns when the current pool was opened
func (h *Handle) OpenedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.openedAt
}

func (h *Handle) reset(db *sql.DB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.db = db
	h.initialized = true
	h.generation = uuid.New()
	h.openedAt = time.Now()
}

// deinitialize closes the pool but keeps the handle so it can be re-opened
// in place.
func (h *Handle) deinitialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil
	}
	h.initialized = false
	return h.db.Close()
}
