package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	msg := err.Error()
	// MySQL 1062, SQLite 2067
	return strings.Contains(msg, "Error 1062") || strings.Contains(msg, "UNIQUE constraint failed")
}

// IsLockTimeoutErr reports whether the database gave up waiting for a row lock.
func IsLockTimeoutErr(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// lock_not_available, raised when lock_timeout elapses
		return pgErr.Code == "55P03"
	}

	msg := err.Error()
	// MySQL 1205 lock wait timeout, SQLite busy
	return strings.Contains(msg, "Error 1205") || strings.Contains(msg, "database is locked")
}
