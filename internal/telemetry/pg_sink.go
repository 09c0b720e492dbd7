package telemetry

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/driver-agent/internal/models"
)

// PGSink upserts the driver's row in driver_locations. The row is keyed by
// driver_id, so the write is an idempotent replace.
type PGSink struct {
	db *sql.DB
}

func NewPGSink(dsn string) (*PGSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PGSink{db: db}, nil
}

func (s *PGSink) UpsertLocation(ctx context.Context, driverID string, loc models.Location, online bool, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO driver_locations (driver_id, lat, lon, heading, speed, accuracy, is_online, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			accuracy = EXCLUDED.accuracy,
			is_online = EXCLUDED.is_online,
			recorded_at = EXCLUDED.recorded_at`,
		driverID, loc.Lat, loc.Lng, loc.Heading, loc.Speed, loc.Accuracy, online, at)
	return err
}

// Heartbeat refreshes the driver's liveness row without touching coordinates.
func (s *PGSink) Heartbeat(ctx context.Context, driverID string, batteryLevel int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO driver_locations (driver_id, battery_level, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (driver_id) DO UPDATE SET
			battery_level = EXCLUDED.battery_level,
			recorded_at = EXCLUDED.recorded_at`,
		driverID, batteryLevel, time.Now())
	return err
}

func (s *PGSink) Close() error { return s.db.Close() }
