package db

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/unklstewy/sim-traffic-hub/internal/logger"
	"github.com/unklstewy/sim-traffic-hub/pkg/config"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
)

// ReconnectWithRetry connects to the database, backing off between failed
// attempts. This lets the hub start before PostgreSQL is ready.
func ReconnectWithRetry(ctx context.Context, cfg config.DatabaseConfig, rc retry.RetryConfig, lg *logger.Logger) (*DB, error) {
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		lg.Warn("database connection failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("error", err))
	}

	db, err := retry.RetryWithBackoffResult(ctx, rc, func() (*DB, error) {
		return Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}

	lg.Info("database connected", slog.String("host", cfg.Host), slog.String("database", cfg.Database))
	return db, nil
}

// HealthCheck performs a comprehensive health check on the database.
// Returns true if the database is healthy and ready for operations.
func HealthCheck(ctx context.Context, db *DB) bool {
	if db == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return false
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return false
	}
	return result == 1
}

var connErrorPatterns = []string{
	"connection refused",
	"broken pipe",
	"no connection",
	"connection reset",
	"bad connection",
	"eof",
	"timeout",
}

// IsConnectionError reports whether err looks like a lost connection
// rather than a query problem.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// WithRetry executes a database operation, retrying only connection
// failures.
func WithRetry(ctx context.Context, rc retry.RetryConfig, operation func() error) error {
	var permanent error
	err := retry.RetryWithBackoff(ctx, rc, func() error {
		err := operation()
		if err != nil && !IsConnectionError(err) {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	return err
}
