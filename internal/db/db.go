package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/unklstewy/sim-traffic-hub/pkg/config"
)

//go:embed schema.sql
var schemaSQL embed.FS

// DB wraps a database connection with helper methods.
type DB struct {
	*sql.DB
	config config.DatabaseConfig
}

// connString builds the lib/pq key/value connection string.
func connString(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		cfg.SSLMode,
	)
}

// Connect establishes a connection to the PostgreSQL database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:     sqlDB,
		config: cfg,
	}, nil
}

// InitSchema creates the live mirror table if it does not exist.
// This should be called once at application startup.
func (db *DB) InitSchema(ctx context.Context) error {
	schemaBytes, err := schemaSQL.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// CleanupStale removes mirror rows whose aircraft has not reported within
// maxAge. Normally Sync already deletes them; this catches rows left behind
// when the hub stopped between syncs.
func (db *DB) CleanupStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	res, err := db.ExecContext(ctx,
		`DELETE FROM live_aircraft WHERE last_seen < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale aircraft: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Status summarizes mirror health for the status endpoint. Row counts are
// only included when the database answers.
func (db *DB) Status(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{"healthy": false}
	if !HealthCheck(ctx, db) {
		return status
	}
	status["healthy"] = true

	stats, err := db.GetStats(ctx)
	if err != nil {
		status["error"] = err.Error()
		return status
	}
	for k, v := range stats {
		status[k] = v
	}
	return status
}

// GetStats returns database statistics.
func (db *DB) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var liveCount int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM live_aircraft`,
	).Scan(&liveCount)
	if err != nil {
		return nil, err
	}
	stats["live_aircraft"] = liveCount

	var lastSync sql.NullTime
	err = db.QueryRowContext(ctx,
		`SELECT MAX(synced_at) FROM live_aircraft`,
	).Scan(&lastSync)
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		stats["last_sync"] = lastSync.Time
	}

	return stats, nil
}
