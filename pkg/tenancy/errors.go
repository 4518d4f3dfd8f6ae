package tenancy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTenant is returned for an empty or reserved tenant code
	ErrInvalidTenant = errors.New("invalid tenant identifier")

	// ErrDatabaseExists is returned by CreateTenantDatabase when the target
	// database is already present
	ErrDatabaseExists = errors.New("tenant database already exists")
)

// ConnectionError reports that a tenant or shared store could not be reached
// or torn down. It is safe to retry the operation that returned it.
type ConnectionError struct {
	TenantID string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s: %s failed: %v", e.TenantID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err wraps a *ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
