package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-signals/internal/bunching"
	"transit-signals/internal/feed"
	"transit-signals/internal/segments"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store is the Postgres persistence layer for decoded telemetry and derived
// records. It assumes a GTFS import schema for the static stop_times table.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// SaveStopTimes inserts a batch of decoded stop time updates.
func (s *Store) SaveStopTimes(ctx context.Context, updates []feed.StopTimeUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stop_time_updates tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO stop_time_updates
  (trip_id, route_id, direction_id, vehicle_id, stop_id, stop_sequence,
   arrival_delay_sec, arrival_time, departure_delay_sec, departure_time, collected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`)
	if err != nil {
		return 0, fmt.Errorf("prepare stop_time_updates insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, u := range updates {
		_, err := stmt.ExecContext(ctx,
			u.TripID, u.RouteID, nullInt(u.DirectionID), u.VehicleID, u.StopID,
			nullInt(u.StopSequence), nullInt(u.ArrivalDelaySec), nullTime(u.ArrivalTime),
			nullInt(u.DepartureDelaySec), nullTime(u.DepartureTime), u.CollectedAt)
		if err != nil {
			return 0, fmt.Errorf("insert stop_time_update trip %s stop %s: %w", u.TripID, u.StopID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveVehiclePositions inserts a batch of decoded vehicle positions.
func (s *Store) SaveVehiclePositions(ctx context.Context, positions []feed.VehiclePosition) (int, error) {
	if len(positions) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin vehicle_positions tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO vehicle_positions
  (vehicle_id, trip_id, route_id, direction_id, lat, lon, bearing, speed,
   stop_id, current_stop_sequence, current_status, position_timestamp, collected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`)
	if err != nil {
		return 0, fmt.Errorf("prepare vehicle_positions insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, p := range positions {
		_, err := stmt.ExecContext(ctx,
			p.VehicleID, nullStr(p.TripID), nullStr(p.RouteID), nullInt(p.DirectionID),
			p.Lat, p.Lon, nullFloat(p.Bearing), nullFloat(p.Speed), nullStr(p.StopID),
			nullInt(p.CurrentStopSequence), nullInt(p.CurrentStatus),
			nullTime(p.PositionTimestamp), p.CollectedAt)
		if err != nil {
			return 0, fmt.Errorf("insert vehicle_position %s: %w", p.VehicleID, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// GetRecentStopTimes returns stop time updates collected within the trailing
// window, ordered for stable grouping downstream.
func (s *Store) GetRecentStopTimes(ctx context.Context, sinceMinutes int) ([]feed.StopTimeUpdate, error) {
	q := `
SELECT trip_id, route_id, direction_id, vehicle_id, stop_id, stop_sequence,
       arrival_delay_sec, arrival_time, departure_delay_sec, departure_time, collected_at
FROM stop_time_updates
WHERE collected_at >= NOW() - ($1 * INTERVAL '1 minute')
ORDER BY trip_id, stop_sequence NULLS FIRST, collected_at`

	rows, err := s.db.QueryContext(ctx, q, sinceMinutes)
	if err != nil {
		return nil, fmt.Errorf("query recent stop_time_updates: %w", err)
	}
	defer rows.Close()

	var out []feed.StopTimeUpdate
	for rows.Next() {
		var u feed.StopTimeUpdate
		var dir, seq, arrDelay, depDelay sql.NullInt64
		var arrTime, depTime sql.NullTime
		if err := rows.Scan(&u.TripID, &u.RouteID, &dir, &u.VehicleID, &u.StopID,
			&seq, &arrDelay, &arrTime, &depDelay, &depTime, &u.CollectedAt); err != nil {
			return nil, err
		}
		u.DirectionID = intPtr(dir)
		u.StopSequence = intPtr(seq)
		u.ArrivalDelaySec = intPtr(arrDelay)
		u.DepartureDelaySec = intPtr(depDelay)
		u.ArrivalTime = timePtr(arrTime)
		u.DepartureTime = timePtr(depTime)
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetScheduledDuration resolves the scheduled travel time between two stop
// sequences of a trip from the static schedule. ok is false when either stop
// or its times are missing.
func (s *Store) GetScheduledDuration(ctx context.Context, tripID string, fromSeq, toSeq int) (int, bool, error) {
	q := `
SELECT stop_sequence, COALESCE(arrival_time::text, ''), COALESCE(departure_time::text, '')
FROM stop_times
WHERE trip_id = $1 AND stop_sequence IN ($2, $3)`

	rows, err := s.db.QueryContext(ctx, q, tripID, fromSeq, toSeq)
	if err != nil {
		return 0, false, fmt.Errorf("query scheduled stop_times: %w", err)
	}
	defer rows.Close()

	depSec, arrSec := -1, -1
	for rows.Next() {
		var seq int
		var arr, dep string
		if err := rows.Scan(&seq, &arr, &dep); err != nil {
			return 0, false, err
		}
		switch seq {
		case fromSeq:
			// Leave the origin at its departure time, fall back to arrival.
			if dep != "" {
				depSec = parseDaySeconds(dep)
			} else if arr != "" {
				depSec = parseDaySeconds(arr)
			}
		case toSeq:
			if arr != "" {
				arrSec = parseDaySeconds(arr)
			} else if dep != "" {
				arrSec = parseDaySeconds(dep)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}
	if depSec < 0 || arrSec < 0 || arrSec < depSec {
		return 0, false, nil
	}
	return arrSec - depSec, true, nil
}

// SaveSegments persists derived segments, deduplicating on
// (trip_id, from_stop_id, to_stop_id, departure_time). Returns how many rows
// were actually stored.
func (s *Store) SaveSegments(ctx context.Context, segs []segments.SegmentTravelTime) (int, error) {
	if len(segs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin segment_travel_times tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO segment_travel_times
  (trip_id, route_id, direction_id, vehicle_id, from_stop_id, to_stop_id,
   stop_sequence, scheduled_travel_time_sec, actual_travel_time_sec,
   delay_at_origin_sec, departure_time, hour_of_day, day_of_week, is_weekend)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (trip_id, from_stop_id, to_stop_id, departure_time) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare segment_travel_times insert: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for _, seg := range segs {
		res, err := stmt.ExecContext(ctx,
			seg.TripID, seg.RouteID, nullInt(seg.DirectionID), seg.VehicleID,
			seg.FromStopID, seg.ToStopID, seg.StopSequence, nullInt(seg.ScheduledTravelSec),
			seg.ActualTravelSec, nullInt(seg.DelayAtOriginSec), seg.DepartureTime,
			seg.HourOfDay, seg.DayOfWeek, seg.IsWeekend)
		if err != nil {
			return stored, fmt.Errorf("insert segment %s %s->%s: %w", seg.TripID, seg.FromStopID, seg.ToStopID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			stored += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return stored, nil
}

// SaveBunchingEvents persists detected bunching events.
func (s *Store) SaveBunchingEvents(ctx context.Context, events []bunching.BunchingEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bunching_events tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO bunching_events
  (route, vehicle_id_a, vehicle_id_b, lat_a, lon_a, lat_b, lon_b, distance_km, detected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`)
	if err != nil {
		return 0, fmt.Errorf("prepare bunching_events insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			ev.Route, ev.VehicleIDA, ev.VehicleIDB, ev.LatA, ev.LonA,
			ev.LatB, ev.LonB, ev.DistanceKM, ev.DetectedAt)
		if err != nil {
			return n, fmt.Errorf("insert bunching_event %s %s/%s: %w", ev.Route, ev.VehicleIDA, ev.VehicleIDB, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
