// Package store keeps a SQLite history (WAL mode) of decoded IOX telemetry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"ioxble/internal/protocol"
)

// DB wraps *sql.DB with telemetry helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode and
// applies the schema.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)

	db := &DB{raw}
	if err := Migrate(db); err != nil {
		raw.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlTelemetry); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const ddlTelemetry = `
CREATE TABLE IF NOT EXISTS telemetry (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    device_time        INTEGER NOT NULL,   -- Unix milliseconds, from the IOX
    latitude           REAL    NOT NULL,
    longitude          REAL    NOT NULL,
    road_speed         INTEGER NOT NULL,
    rpm                REAL    NOT NULL,
    odometer           REAL    NOT NULL,
    status_flag        TEXT    NOT NULL,
    trip_odometer      REAL    NOT NULL,
    total_engine_hours REAL    NOT NULL,
    trip_duration      INTEGER NOT NULL,
    go_device_id       INTEGER NOT NULL,
    driver_id          INTEGER NOT NULL,
    raw                BLOB    NOT NULL,
    received_at        INTEGER NOT NULL    -- Unix milliseconds, local clock
);
CREATE INDEX IF NOT EXISTS idx_telemetry_received_at ON telemetry (received_at DESC);
`

// Entry is one stored telemetry event.
type Entry struct {
	ID         int64                 `json:"id"`
	ReceivedAt time.Time             `json:"receivedAt"`
	Data       protocol.GoDeviceData `json:"data"`
	Raw        []byte                `json:"-"` // also in Data.RawData
}

// InsertTelemetry stores d, received at the given time, and returns its row id.
func (db *DB) InsertTelemetry(ctx context.Context, d protocol.GoDeviceData, receivedAt time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
INSERT INTO telemetry (
    device_time, latitude, longitude, road_speed, rpm, odometer, status_flag,
    trip_odometer, total_engine_hours, trip_duration, go_device_id, driver_id,
    raw, received_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Timestamp, d.Latitude, d.Longitude, d.RoadSpeed, d.RPM, d.Odometer, d.StatusFlag,
		d.TripOdometer, d.TotalEngineHours, d.TripDuration, d.GoDeviceID, d.DriverID,
		d.Raw(), receivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert telemetry: %w", err)
	}
	return res.LastInsertId()
}

// RecentTelemetry returns up to limit entries, newest first.
func (db *DB) RecentTelemetry(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("store: limit must be positive, got %d", limit)
	}
	rows, err := db.QueryContext(ctx, `
SELECT id, device_time, latitude, longitude, road_speed, rpm, odometer, status_flag,
       trip_odometer, total_engine_hours, trip_duration, go_device_id, driver_id,
       raw, received_at
FROM telemetry
ORDER BY received_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query telemetry: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			receivedAt int64
		)
		d := &e.Data
		if err := rows.Scan(&e.ID, &d.Timestamp, &d.Latitude, &d.Longitude, &d.RoadSpeed, &d.RPM,
			&d.Odometer, &d.StatusFlag, &d.TripOdometer, &d.TotalEngineHours, &d.TripDuration,
			&d.GoDeviceID, &d.DriverID, &e.Raw, &receivedAt); err != nil {
			return nil, fmt.Errorf("store: scan telemetry: %w", err)
		}
		d.RawData = protocol.SignedBytes(e.Raw)
		e.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate telemetry: %w", err)
	}
	return entries, nil
}

// CountTelemetry returns the number of stored entries.
func (db *DB) CountTelemetry(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count telemetry: %w", err)
	}
	return n, nil
}
