package rbac

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Error taxonomy. Callers test with errors.Is; messages carry the details.
var (
	// ErrNotFound is returned when a role, permission, assignment, group or
	// user does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a create would duplicate a unique key
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned for writes against protected records: system
	// roles by a non-super-admin, or roles and groups still in use
	ErrForbidden = errors.New("forbidden")

	// ErrBadRequest is returned for malformed input such as an invalid
	// MATCHES pattern
	ErrBadRequest = errors.New("bad request")
)

// pq error code for unique_violation
const pqUniqueViolation = "23505"

// isUniqueViolation recognizes unique key violations from PostgreSQL and
// from SQLite, which reports them only through its message.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
