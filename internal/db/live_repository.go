package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// LiveRepository mirrors the hub's current snapshot into live_aircraft.
// It never keeps history: each Sync leaves exactly the snapshot's rows.
type LiveRepository struct {
	db  *DB
	now func() time.Time
}

// NewLiveRepository creates a new live aircraft repository.
func NewLiveRepository(db *DB) *LiveRepository {
	return &LiveRepository{
		db:  db,
		now: time.Now,
	}
}

const upsertLiveSQL = `INSERT INTO live_aircraft (
	id, callsign, latitude, longitude, altitude_msl_ft, altitude_agl_ft,
	heading_deg, speed_kts, vertical_speed_fpm,
	flight_no, departure, arrival, squawk, takeoff_time,
	flight_plan, next_waypoint, last_seen, synced_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
)
ON CONFLICT (id) DO UPDATE SET
	callsign = EXCLUDED.callsign,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	altitude_msl_ft = EXCLUDED.altitude_msl_ft,
	altitude_agl_ft = EXCLUDED.altitude_agl_ft,
	heading_deg = EXCLUDED.heading_deg,
	speed_kts = EXCLUDED.speed_kts,
	vertical_speed_fpm = EXCLUDED.vertical_speed_fpm,
	flight_no = EXCLUDED.flight_no,
	departure = EXCLUDED.departure,
	arrival = EXCLUDED.arrival,
	squawk = EXCLUDED.squawk,
	takeoff_time = EXCLUDED.takeoff_time,
	flight_plan = EXCLUDED.flight_plan,
	next_waypoint = EXCLUDED.next_waypoint,
	last_seen = EXCLUDED.last_seen,
	synced_at = EXCLUDED.synced_at`

// upsertArgs returns the positional arguments for upsertLiveSQL. Nil
// pointers become SQL NULL.
func upsertArgs(st traffic.AircraftState, syncedAt time.Time) []interface{} {
	return []interface{}{
		st.ID, st.Callsign, st.Latitude, st.Longitude, st.AltitudeMSL, st.AltitudeAGL,
		st.Heading, st.Speed, st.VerticalSpeed,
		st.FlightNo, st.Departure, st.Arrival, st.Squawk, st.TakeoffTime,
		string(st.FlightPlan), st.NextWaypoint, st.LastSeen, syncedAt,
	}
}

// Sync replaces the table contents with states inside one transaction.
func (r *LiveRepository) Sync(ctx context.Context, states []traffic.AircraftState) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertLiveSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	syncedAt := r.now().UTC()
	ids := make([]string, 0, len(states))
	for _, st := range states {
		if _, err := stmt.ExecContext(ctx, upsertArgs(st, syncedAt)...); err != nil {
			return fmt.Errorf("failed to upsert aircraft %s: %w", st.ID, err)
		}
		ids = append(ids, st.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM live_aircraft WHERE NOT (id = ANY($1))`,
		pq.Array(ids),
	); err != nil {
		return fmt.Errorf("failed to delete departed aircraft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync: %w", err)
	}
	return nil
}
