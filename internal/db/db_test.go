package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/unklstewy/sim-traffic-hub/pkg/config"
	"github.com/unklstewy/sim-traffic-hub/pkg/retry"
	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// TestConnString tests the lib/pq connection string layout.
func TestConnString(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "db.local",
		Port:     5433,
		Username: "hub",
		Password: "secret",
		Database: "simhub",
		SSLMode:  "disable",
	}

	got := connString(cfg)
	want := "host=db.local port=5433 user=hub password=secret dbname=simhub sslmode=disable"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

// TestConnectUnreachable verifies a refused connection surfaces as an error.
func TestConnectUnreachable(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:         "127.0.0.1",
		Port:         1,
		Username:     "hub",
		Password:     "secret",
		Database:     "simhub",
		SSLMode:      "disable",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}

	db, err := Connect(context.Background(), cfg)
	if err == nil {
		db.Close()
		t.Skip("something is listening on 127.0.0.1:1")
	}
	if !strings.Contains(err.Error(), "failed to ping database") {
		t.Errorf("Expected ping failure, got %v", err)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{"reset", errors.New("read: Connection Reset by peer"), true},
		{"bad conn", errors.New("driver: bad connection"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"syntax", errors.New(`pq: syntax error at or near "SELEC"`), false},
		{"constraint", errors.New("pq: duplicate key value violates unique constraint"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func fastRetry(max int) retry.RetryConfig {
	return retry.RetryConfig{
		MaxRetries:   max,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithRetry(t *testing.T) {
	t.Run("retries connection errors", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fastRetry(5), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		if calls != 3 {
			t.Errorf("Expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops on query errors", func(t *testing.T) {
		queryErr := errors.New("pq: relation does not exist")
		calls := 0
		err := WithRetry(context.Background(), fastRetry(5), func() error {
			calls++
			return queryErr
		})
		if !errors.Is(err, queryErr) {
			t.Errorf("Expected query error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("Expected 1 call, got %d", calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := WithRetry(context.Background(), fastRetry(2), func() error {
			calls++
			return errors.New("broken pipe")
		})
		if err == nil {
			t.Fatal("Expected error after exhausting retries")
		}
		if calls != 3 {
			t.Errorf("Expected 3 calls, got %d", calls)
		}
	})
}

func TestHealthCheckNil(t *testing.T) {
	if HealthCheck(context.Background(), nil) {
		t.Error("Expected nil database to be unhealthy")
	}
}

// TestStatusUnhealthy tests that an unreachable or missing database
// reports unhealthy without row counts.
func TestStatusUnhealthy(t *testing.T) {
	var missing *DB
	if st := missing.Status(context.Background()); st["healthy"] != false {
		t.Errorf("Expected nil database unhealthy, got %v", st)
	}

	cfg := config.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     1,
		Username: "hub",
		Password: "secret",
		Database: "simhub",
		SSLMode:  "disable",
	}
	conn, err := sql.Open("postgres", connString(cfg))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db := &DB{DB: conn, config: cfg}
	defer db.Close()

	st := db.Status(context.Background())
	if st["healthy"] != false {
		t.Skipf("something is listening on 127.0.0.1:1: %v", st)
	}
	if _, ok := st["live_aircraft"]; ok {
		t.Errorf("Expected no row count for unreachable database, got %v", st)
	}
}

func TestUpsertArgs(t *testing.T) {
	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	synced := seen.Add(time.Second)

	t.Run("nil pointers become NULL", func(t *testing.T) {
		args := upsertArgs(traffic.AircraftState{ID: "AAL1", LastSeen: seen}, synced)
		if len(args) != 18 {
			t.Fatalf("Expected 18 args, got %d", len(args))
		}
		if p, ok := args[5].(*float64); !ok || p != nil {
			t.Errorf("Expected nil *float64 for altitude_agl_ft, got %#v", args[5])
		}
		if p, ok := args[15].(*string); !ok || p != nil {
			t.Errorf("Expected nil *string for next_waypoint, got %#v", args[15])
		}
	})

	t.Run("values are passed through", func(t *testing.T) {
		agl := 1200.0
		next := "OLM"
		st := traffic.AircraftState{
			ID:           "AAL1",
			AltitudeAGL:  &agl,
			NextWaypoint: &next,
			FlightPlan:   traffic.FlightPlan(`[{"ident":"OLM"}]`),
			LastSeen:     seen,
		}
		args := upsertArgs(st, synced)
		if args[0] != "AAL1" {
			t.Errorf("Expected id AAL1, got %v", args[0])
		}
		if got := *(args[5].(*float64)); got != 1200 {
			t.Errorf("Expected AGL 1200, got %v", got)
		}
		if args[14] != `[{"ident":"OLM"}]` {
			t.Errorf("Expected flight plan text, got %v", args[14])
		}
		if args[17] != synced {
			t.Errorf("Expected synced_at %v, got %v", synced, args[17])
		}
	})
}

// TestLiveRepositoryIntegration runs against a real PostgreSQL when
// SIMHUB_TEST_DB_HOST is set.
func TestLiveRepositoryIntegration(t *testing.T) {
	host := os.Getenv("SIMHUB_TEST_DB_HOST")
	if host == "" {
		t.Skip("SIMHUB_TEST_DB_HOST not set")
	}

	cfg := config.DefaultConfig().Database
	cfg.Host = host
	if p, err := strconv.Atoi(os.Getenv("SIMHUB_TEST_DB_PORT")); err == nil {
		cfg.Port = p
	}
	if pw := os.Getenv("SIMHUB_TEST_DB_PASSWORD"); pw != "" {
		cfg.Password = pw
	}

	ctx := context.Background()
	db, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	repo := NewLiveRepository(db)
	now := time.Now().UTC().Truncate(time.Millisecond)
	agl := 500.0

	first := []traffic.AircraftState{
		{ID: "TST1", Latitude: 47.4, Longitude: -122.3, AltitudeAGL: &agl, LastSeen: now},
		{ID: "TST2", Latitude: 45.5, Longitude: -122.6, LastSeen: now},
	}
	if err := repo.Sync(ctx, first); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if err := repo.Sync(ctx, first[:1]); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}

	st := db.Status(ctx)
	if st["healthy"] != true {
		t.Fatalf("Expected healthy mirror, got %v", st)
	}
	if st["live_aircraft"] != 1 {
		t.Fatalf("Expected only TST1 after second sync, got %v", st["live_aircraft"])
	}
	if _, ok := st["last_sync"]; !ok {
		t.Error("Expected last_sync in status")
	}

	var (
		id     string
		gotAGL sql.NullFloat64
		next   sql.NullString
	)
	err = db.QueryRowContext(ctx,
		`SELECT id, altitude_agl_ft, next_waypoint FROM live_aircraft`,
	).Scan(&id, &gotAGL, &next)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if id != "TST1" {
		t.Errorf("Expected TST1, got %s", id)
	}
	if !gotAGL.Valid || gotAGL.Float64 != 500 {
		t.Errorf("Expected AGL 500, got %v", gotAGL)
	}
	if next.Valid {
		t.Errorf("Expected NULL next waypoint, got %q", next.String)
	}

	if err := repo.Sync(ctx, nil); err != nil {
		t.Fatalf("Empty sync failed: %v", err)
	}
	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats["live_aircraft"] != 0 {
		t.Errorf("Expected empty mirror, got %v rows", stats["live_aircraft"])
	}
}
