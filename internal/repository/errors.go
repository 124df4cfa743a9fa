package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// PostgreSQL error codes that mean the transaction lost a race and can be
// retried from scratch.
var pgConflictCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57014": {}, // query_canceled (statement/lock timeout)
}

// classify wraps storage conflicts in domain.ErrTransactionAborted and leaves
// every other error untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransactionAborted) {
		return err
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransactionAborted, err)
	}
	return err
}

// pgCode returns the SQLSTATE of a PostgreSQL error from either driver.
func pgCode(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

func isConflict(err error) bool {
	if code, ok := pgCode(err); ok {
		_, conflict := pgConflictCodes[code]
		return conflict
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	// some wrappers flatten driver errors into text
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isUniqueViolation(err error) bool {
	if code, ok := pgCode(err); ok {
		return code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	if code, ok := pgCode(err); ok {
		return code == "23503"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return false
}
