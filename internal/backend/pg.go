package backend

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/driver-agent/internal/dispatch"
	"github.com/example/driver-agent/internal/models"
)

// PG talks to the dispatch platform's database: the atomic accept function
// and the pending-ride backfill query.
type PG struct {
	db *sql.DB
}

func NewPG(dsn string) (*PG, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PG{db: db}, nil
}

// AcceptRide invokes the server-side accept_ride function. The function is
// atomic across concurrent drivers: exactly one accept succeeds per ride.
// This client issues the request exactly once per logical attempt and never
// retries on its own.
func (b *PG) AcceptRide(ctx context.Context, driverID, rideID string) (dispatch.AcceptReply, error) {
	row := b.db.QueryRowContext(ctx, `SELECT success, ride_id, status, error FROM accept_ride($1, $2)`, rideID, driverID)

	var (
		success bool
		gotID   sql.NullString
		status  sql.NullString
		reason  sql.NullString
	)
	if err := row.Scan(&success, &gotID, &status, &reason); err != nil {
		return dispatch.AcceptReply{}, fmt.Errorf("accept_ride: %w", err)
	}

	reply := dispatch.AcceptReply{Won: success, RideID: rideID}
	if gotID.Valid {
		reply.RideID = gotID.String
	}
	if status.Valid {
		reply.Status = status.String
	}
	if reason.Valid {
		reply.Reason = reason.String
	}
	return reply, nil
}

// PendingRides returns the freshest pending rides so a driver who just came
// online does not have to wait for the next stream event.
func (b *PG) PendingRides(ctx context.Context, limit int) ([]models.Offer, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id, ''), pickup_address, dropoff_address,
		       pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		       pickup_time, vehicle_type, distance, duration,
		       estimated_price, status, created_at
		FROM rides
		WHERE status = 'pending'
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending rides: %w", err)
	}
	defer rows.Close()

	var out []models.Offer
	for rows.Next() {
		var rec models.RideRecord
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.PickupAddress, &rec.DropoffAddress,
			&rec.PickupLat, &rec.PickupLon, &rec.DropoffLat, &rec.DropoffLon,
			&rec.PickupTime, &rec.VehicleType, &rec.Distance, &rec.Duration,
			&rec.EstimatedPrice, &rec.Status, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning pending ride: %w", err)
		}
		out = append(out, models.OfferFromRecord(rec))
	}
	return out, rows.Err()
}

func (b *PG) Close() error { return b.db.Close() }
