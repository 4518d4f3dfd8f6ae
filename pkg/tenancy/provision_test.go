package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInitializer struct {
	mu    sync.Mutex
	calls []TenantDescriptor
	err   error
}

func (i *recordingInitializer) InitializeTenant(ctx context.Context, db *sql.DB, desc TenantDescriptor) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, desc)
	return i.err
}

func newProvisioningRegistry(t *testing.T, opener *mockOpener, init SchemaInitializer) *Registry {
	return NewRegistry(RegistryConfig{
		Resolver:    NewCredentialResolver(testDatabaseConfig()),
		Opener:      opener,
		Initializer: init,
	})
}

func TestCreateTenantDatabase(t *testing.T) {
	opener := newMockOpener(t)
	opener.setup = func(database string, mock sqlmock.Sqlmock) {
		if database == "postgres" {
			mock.ExpectExec(regexp.QuoteMeta(`CREATE DATABASE "societe_acme"`)).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectClose()
		}
	}
	init := &recordingInitializer{}
	registry := newProvisioningRegistry(t, opener, init)

	desc := TenantDescriptor{Code: "ACME", Name: "Acme Corp"}
	h, err := registry.CreateTenantDatabase(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "ACME", h.TenantID())
	assert.Equal(t, []TenantDescriptor{desc}, init.calls)

	admin := opener.mocksFor("postgres")
	require.Len(t, admin, 1)
	assert.NoError(t, admin[0].ExpectationsWereMet(), "admin connection is closed")
	assert.Len(t, opener.mocksFor("societe_acme"), 1)
	assert.Equal(t, []string{"ACME"}, registry.Tenants())
}

func TestCreateTenantDatabase_AlreadyExists(t *testing.T) {
	opener := newMockOpener(t)
	opener.setup = func(database string, mock sqlmock.Sqlmock) {
		mock.ExpectExec("CREATE DATABASE").
			WillReturnError(&pq.Error{Code: "42P04", Message: `database "societe_acme" already exists`})
		mock.ExpectClose()
	}
	init := &recordingInitializer{}
	registry := newProvisioningRegistry(t, opener, init)

	_, err := registry.CreateTenantDatabase(context.Background(), TenantDescriptor{Code: "acme"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabaseExists)
	assert.Empty(t, init.calls)
	assert.Empty(t, registry.Tenants())
	assert.NoError(t, opener.mocksFor("postgres")[0].ExpectationsWereMet())
}

func TestCreateTenantDatabase_CreateFails(t *testing.T) {
	opener := newMockOpener(t)
	opener.setup = func(database string, mock sqlmock.Sqlmock) {
		mock.ExpectExec("CREATE DATABASE").WillReturnError(errors.New("permission denied"))
		mock.ExpectClose()
	}
	registry := newProvisioningRegistry(t, opener, nil)

	_, err := registry.CreateTenantDatabase(context.Background(), TenantDescriptor{Code: "acme"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDatabaseExists)
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, opener.mocksFor("postgres")[0].ExpectationsWereMet())
}

func TestCreateTenantDatabase_AdminUnreachable(t *testing.T) {
	opener := newMockOpener(t)
	opener.fail = func(p ConnParams) error {
		if p.Database == "postgres" {
			return errUnreachable
		}
		return nil
	}
	registry := newProvisioningRegistry(t, opener, nil)

	_, err := registry.CreateTenantDatabase(context.Background(), TenantDescriptor{Code: "acme"})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.Empty(t, registry.Tenants())
}

func TestCreateTenantDatabase_InitializerFails(t *testing.T) {
	opener := newMockOpener(t)
	opener.setup = func(database string, mock sqlmock.Sqlmock) {
		if database == "postgres" {
			mock.ExpectExec("CREATE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectClose()
		}
	}
	init := &recordingInitializer{err: errors.New("syntax error")}
	registry := newProvisioningRegistry(t, opener, init)

	_, err := registry.CreateTenantDatabase(context.Background(), TenantDescriptor{Code: "acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize schema for tenant acme")
	assert.NoError(t, opener.mocksFor("postgres")[0].ExpectationsWereMet())
}

func TestCreateTenantDatabase_InvalidCode(t *testing.T) {
	opener := newMockOpener(t)
	registry := newProvisioningRegistry(t, opener, nil)

	_, err := registry.CreateTenantDatabase(context.Background(), TenantDescriptor{Code: " "})
	assert.ErrorIs(t, err, ErrInvalidTenant)
	assert.Equal(t, int32(0), opener.opens.Load())
}
