package tenancy

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Opener opens and verifies a connection pool. Implementations must return
// an error rather than an unpinged pool.
type Opener interface {
	Open(ctx context.Context, params ConnParams) (*sql.DB, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, params ConnParams) (*sql.DB, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context, params ConnParams) (*sql.DB, error) {
	return f(ctx, params)
}

// PostgresOpener opens pools with lib/pq
type PostgresOpener struct{}

// Open opens a pool for params, applies pool limits and pings it
func (PostgresOpener) Open(ctx context.Context, params ConnParams) (*sql.DB, error) {
	db, err := sql.Open("postgres", params.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", params.Database, err)
	}

	if params.MaxConns > 0 {
		db.SetMaxOpenConns(params.MaxConns)
	}
	db.SetMaxIdleConns(params.MinConns)
	db.SetConnMaxLifetime(params.MaxLifetime)
	db.SetConnMaxIdleTime(params.MaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", params.Database, err)
	}

	return db, nil
}
