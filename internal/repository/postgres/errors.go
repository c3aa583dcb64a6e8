package postgres

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a targeted row does not exist.
	ErrNotFound = errors.New("postgres: not found")
)

// uniqueViolationCode is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode
}
