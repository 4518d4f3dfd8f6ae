package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/config"
)

// mockOpener hands out sqlmock pools and records every open by database name
type mockOpener struct {
	t *testing.T

	mu    sync.Mutex
	mocks map[string][]sqlmock.Sqlmock
	opens atomic.Int32

	// gate, when set, blocks every Open until it is closed
	gate chan struct{}
	// fail, when set, decides whether an Open fails
	fail func(params ConnParams) error
	// setup, when set, registers expectations on each new mock
	setup func(database string, mock sqlmock.Sqlmock)
}

func newMockOpener(t *testing.T) *mockOpener {
	return &mockOpener{t: t, mocks: make(map[string][]sqlmock.Sqlmock)}
}

func (o *mockOpener) Open(ctx context.Context, params ConnParams) (*sql.DB, error) {
	o.opens.Add(1)

	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.fail != nil {
		if err := o.fail(params); err != nil {
			return nil, err
		}
	}

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(o.t, err)
	if o.setup != nil {
		o.setup(params.Database, mock)
	}

	o.mu.Lock()
	o.mocks[params.Database] = append(o.mocks[params.Database], mock)
	o.mu.Unlock()
	return db, nil
}

func (o *mockOpener) mocksFor(database string) []sqlmock.Sqlmock {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mocks[database]
}

func testDatabaseConfig() config.DatabaseConfig {
	cfg := config.DefaultDatabaseConfig()
	cfg.InitTimeout = time.Second
	return cfg
}

func newTestRegistry(t *testing.T, opener Opener) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		Resolver:    NewCredentialResolver(testDatabaseConfig()),
		Opener:      opener,
		InitTimeout: time.Second,
	})
}

var errUnreachable = errors.New("dial tcp: connection refused")
