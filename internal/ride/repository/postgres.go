package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// PostgresStore implements RideStore on database/sql. The conditional UPDATE
// in CASUpdateStatus is the authoritative acceptance arbiter under
// concurrent drivers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ride tables when they do not exist yet.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id UUID PRIMARY KEY,
	passenger_id UUID NOT NULL,
	driver_id UUID,
	pickup_address TEXT NOT NULL,
	pickup_lat DOUBLE PRECISION NOT NULL,
	pickup_lng DOUBLE PRECISION NOT NULL,
	destination_address TEXT NOT NULL,
	destination_lat DOUBLE PRECISION NOT NULL,
	destination_lng DOUBLE PRECISION NOT NULL,
	estimated_cost BIGINT NOT NULL,
	current_cost BIGINT,
	fare_boosts INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	accepted_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	cancellation_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS rides_status_created_idx ON rides (status, created_at);
CREATE INDEX IF NOT EXISTS rides_driver_status_idx ON rides (driver_id, status);
CREATE TABLE IF NOT EXISTS ride_status_history (
	id BIGSERIAL PRIMARY KEY,
	ride_id UUID NOT NULL,
	status TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ratings (
	ride_id UUID NOT NULL,
	rated_by UUID NOT NULL,
	rated_user UUID NOT NULL,
	stars INT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ride_id, rated_by, rated_user)
);
CREATE TABLE IF NOT EXISTS passenger_stats (
	passenger_id UUID PRIMARY KEY,
	total_rides INT NOT NULL DEFAULT 0
);`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate rides schema: %w", err)
	}
	return nil
}

// CreateRide inserts the ride.
func (p *PostgresStore) CreateRide(ctx context.Context, ride domain.Ride) (domain.Ride, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, passenger_id, driver_id,
			pickup_address, pickup_lat, pickup_lng,
			destination_address, destination_lat, destination_lng,
			estimated_cost, current_cost, fare_boosts,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ride.ID, ride.PassengerID, uuidPtr(ride.DriverID),
		ride.PickupAddress, ride.Pickup.Lat, ride.Pickup.Lng,
		ride.DestinationAddress, ride.Destination.Lat, ride.Destination.Lng,
		ride.EstimatedCost, ride.CurrentCost, ride.FareBoosts,
		string(ride.Status), ride.CreatedAt,
	)
	if err != nil {
		return domain.Ride{}, fmt.Errorf("insert ride: %w", err)
	}
	return ride, nil
}

// GetRide fetches one ride by id.
func (p *PostgresStore) GetRide(ctx context.Context, id uuid.UUID) (domain.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, passenger_id, driver_id,
		       pickup_address, pickup_lat, pickup_lng,
		       destination_address, destination_lat, destination_lng,
		       estimated_cost, current_cost, fare_boosts,
		       status, created_at, accepted_at, started_at, completed_at, cancelled_at, cancellation_reason
		FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

// CASUpdateStatus performs the compare-and-set transition. The CASE WHEN
// columns set each timestamp only on first entry into the matching state.
func (p *PostgresStore) CASUpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.RideStatus, driverID *uuid.UUID, notes string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET
			status = $1,
			driver_id = COALESCE($2, driver_id),
			accepted_at = CASE WHEN $1 = 'assigned' AND accepted_at IS NULL THEN $3 ELSE accepted_at END,
			started_at = CASE WHEN $1 = 'in_progress' AND started_at IS NULL THEN $3 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' AND completed_at IS NULL THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 LIKE 'cancelled%' AND cancelled_at IS NULL THEN $3 ELSE cancelled_at END,
			cancellation_reason = CASE WHEN $1 LIKE 'cancelled%' AND cancelled_at IS NULL THEN $4 ELSE cancellation_reason END
		WHERE id = $5 AND status = $6`,
		string(next), uuidPtr(driverID), at, notes, id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("cas update ride status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas rows affected: %w", err)
	}
	return affected == 1, nil
}

// UpdateFare persists the boosted cost and counter.
func (p *PostgresStore) UpdateFare(ctx context.Context, id uuid.UUID, currentCost int64, boosts int) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET current_cost = $1, fare_boosts = $2 WHERE id = $3`,
		currentCost, boosts, id)
	if err != nil {
		return fmt.Errorf("update fare: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return domain.ErrRideNotFound
	}
	return nil
}

// AppendHistory inserts an audit row; history rows are never updated.
func (p *PostgresStore) AppendHistory(ctx context.Context, entry domain.StatusHistoryEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ride_status_history (ride_id, status, notes, created_at) VALUES ($1, $2, $3, $4)`,
		entry.RideID, string(entry.Status), entry.Notes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ride history: %w", err)
	}
	return nil
}

// History returns the audit trail oldest first.
func (p *PostgresStore) History(ctx context.Context, id uuid.UUID) ([]domain.StatusHistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ride_id, status, notes, created_at FROM ride_status_history WHERE ride_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("select ride history: %w", err)
	}
	defer rows.Close()
	var entries []domain.StatusHistoryEntry
	for rows.Next() {
		var entry domain.StatusHistoryEntry
		var status string
		if err := rows.Scan(&entry.RideID, &status, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ride history: %w", err)
		}
		entry.Status = domain.RideStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// StaleRequested lists rides stuck in requested since before olderThan.
func (p *PostgresStore) StaleRequested(ctx context.Context, olderThan time.Time) ([]domain.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, passenger_id, driver_id,
		       pickup_address, pickup_lat, pickup_lng,
		       destination_address, destination_lat, destination_lng,
		       estimated_cost, current_cost, fare_boosts,
		       status, created_at, accepted_at, started_at, completed_at, cancelled_at, cancellation_reason
		FROM rides WHERE status = 'requested' AND created_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select stale rides: %w", err)
	}
	defer rows.Close()
	var rides []domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

// ActiveRideForDriver reports whether the driver holds a ride in an active
// status.
func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID uuid.UUID) (bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE driver_id = $1
			  AND status IN ('assigned', 'driver_enroute', 'driver_arrived', 'in_progress')
		)`, driverID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("active ride lookup: %w", err)
	}
	return exists, nil
}

// IncrementPassengerRides bumps the lifetime completed counter.
func (p *PostgresStore) IncrementPassengerRides(ctx context.Context, passengerID uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO passenger_stats (passenger_id, total_rides) VALUES ($1, 1)
		ON CONFLICT (passenger_id) DO UPDATE SET total_rides = passenger_stats.total_rides + 1`,
		passengerID)
	if err != nil {
		return fmt.Errorf("increment passenger rides: %w", err)
	}
	return nil
}

// Add persists a rating; the composite primary key rejects duplicates.
func (p *PostgresStore) Add(ctx context.Context, rating domain.Rating) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (ride_id, rated_by, rated_user, stars, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ride_id, rated_by, rated_user) DO NOTHING`,
		rating.RideID, rating.RatedBy, rating.RatedUser, rating.Stars, rating.Comment, rating.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrAlreadyRated
	}
	return nil
}

// AverageFor computes the mean stars over all ratings the user has received.
func (p *PostgresStore) AverageFor(ctx context.Context, userID uuid.UUID) (float64, int, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(stars), 0), COUNT(*) FROM ratings WHERE rated_user = $1`, userID)
	var avg float64
	var count int
	if err := row.Scan(&avg, &count); err != nil {
		return 0, 0, fmt.Errorf("rating average: %w", err)
	}
	return avg, count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (domain.Ride, error) {
	var ride domain.Ride
	var driverID sql.NullString
	var currentCost sql.NullInt64
	var status string
	var acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&ride.ID, &ride.PassengerID, &driverID,
		&ride.PickupAddress, &ride.Pickup.Lat, &ride.Pickup.Lng,
		&ride.DestinationAddress, &ride.Destination.Lat, &ride.Destination.Lng,
		&ride.EstimatedCost, &currentCost, &ride.FareBoosts,
		&status, &ride.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &ride.CancellationReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ride{}, domain.ErrRideNotFound
	}
	if err != nil {
		return domain.Ride{}, fmt.Errorf("scan ride: %w", err)
	}

	ride.Status = domain.RideStatus(status)
	if driverID.Valid {
		parsed, err := uuid.Parse(driverID.String)
		if err != nil {
			return domain.Ride{}, fmt.Errorf("parse driver id: %w", err)
		}
		ride.DriverID = &parsed
	}
	if currentCost.Valid {
		ride.CurrentCost = &currentCost.Int64
	}
	ride.AcceptedAt = timePtr(acceptedAt)
	ride.StartedAt = timePtr(startedAt)
	ride.CompletedAt = timePtr(completedAt)
	ride.CancelledAt = timePtr(cancelledAt)
	return ride, nil
}

func uuidPtr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
