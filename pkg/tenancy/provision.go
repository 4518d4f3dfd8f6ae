package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pq error code for duplicate_database
const pqDuplicateDatabase = "42P04"

// TenantDescriptor describes a tenant to provision
type TenantDescriptor struct {
	Code string
	Name string
}

// CreateTenantDatabase creates the database of desc through the admin store,
// opens the tenant handle and runs the schema initializer on it. The admin
// connection is always released.
//
// A failure after CREATE DATABASE leaves the database in place but no handle
// registered, so the call can be retried with ErrDatabaseExists handled by
// the caller, or GetTenantConnection used directly.
func (r *Registry) CreateTenantDatabase(ctx context.Context, desc TenantDescriptor) (*Handle, error) {
	name, err := r.resolver.DatabaseName(desc.Code)
	if err != nil {
		return nil, err
	}
	log := r.logger.WithTenant(desc.Code).WithField("database", name)

	if err := r.createDatabase(ctx, desc.Code, name); err != nil {
		return nil, err
	}
	log.Info("Tenant database created")

	h, err := r.GetTenantConnection(ctx, desc.Code)
	if err != nil {
		return nil, err
	}

	if r.initializer != nil {
		if err := r.initializer.InitializeTenant(ctx, h.DB(), desc); err != nil {
			log.WithError(err).Error("Tenant schema initialization failed")
			return nil, fmt.Errorf("failed to initialize schema for tenant %s: %w", desc.Code, err)
		}
	}

	return h, nil
}

func (r *Registry) createDatabase(ctx context.Context, code, name string) (err error) {
	openCtx, cancel := context.WithTimeout(ctx, r.initTimeout)
	start := time.Now()
	admin, err := r.opener.Open(openCtx, r.resolver.Admin())
	cancel()
	r.metrics.RecordTenantInit("admin", err, time.Since(start))
	if err != nil {
		return &ConnectionError{TenantID: code, Op: "open admin", Err: err}
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			r.logger.WithTenant(code).WithError(cerr).Warn("Failed to close admin connection")
		}
	}()

	// CREATE DATABASE takes no bind parameters
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	r.metrics.RecordProvision(err)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqDuplicateDatabase {
			return fmt.Errorf("%w: %s", ErrDatabaseExists, name)
		}
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}
