package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/stallarr/internal/logger"
)

// isBusy reports whether err is SQLite refusing a statement because another
// connection holds the write lock.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op until it succeeds, fails with a non-busy error, or
// MaxRetries is exhausted. Backoff doubles from RetryDelay.
func withRetry[T any](what string, op func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < MaxRetries; attempt++ {
		result, err = op()
		if err == nil {
			return result, nil
		}
		if !isBusy(err) {
			return result, err
		}
		if attempt < MaxRetries-1 {
			delay := RetryDelay * time.Duration(1<<attempt)
			logger.Debugf("Database busy on %s, retrying in %v (attempt %d/%d)", what, delay, attempt+1, MaxRetries)
			time.Sleep(delay)
		}
	}
	var zero T
	return zero, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// ExecWithRetry executes a statement, retrying while the database is busy.
// The journal is written from the poller while the status API reads it.
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	return withRetry("exec", func() (sql.Result, error) {
		return db.Exec(query, args...)
	})
}

// QueryWithRetry executes a query, retrying while the database is busy.
func QueryWithRetry(db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	return withRetry("query", func() (*sql.Rows, error) {
		return db.Query(query, args...)
	})
}
