package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// RideStore implements ride.Repository on PostgreSQL. Every transition is
// a single UPDATE whose WHERE clause carries the status (and assignee)
// guard; RowsAffected == 0 with an existing row means the guard failed,
// which is how a lost accept race or a stale retry surfaces.
type RideStore struct {
	db *sql.DB
}

// NewRideStore creates a postgres-backed ride store.
func NewRideStore(db *sql.DB) *RideStore {
	return &RideStore{db: db}
}

const rideColumns = `
	id, customer_id, driver_id, status, vehicle_type,
	pickup_latitude, pickup_longitude, dropoff_latitude, dropoff_longitude,
	fare_distance_km, fare_price_per_km, fare_base, fare_total,
	start_otp, end_otp, start_otp_verified, end_otp_verified,
	requested_at, accepted_at, arrived_at, started_at, completed_at,
	cancelled_at, cancelled_by, cancellation_reason`

func (s *RideStore) Create(ctx context.Context, r *ride.Ride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, customer_id, status, vehicle_type,
			pickup_latitude, pickup_longitude,
			dropoff_latitude, dropoff_longitude,
			fare_distance_km, fare_price_per_km, fare_base, fare_total,
			start_otp, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.CustomerID, r.Status, r.VehicleType,
		r.Pickup.Latitude, r.Pickup.Longitude,
		r.Dropoff.Latitude, r.Dropoff.Longitude,
		r.Fare.DistanceKm, r.Fare.PricePerKm, r.Fare.BaseFare, r.Fare.TotalAmount,
		r.StartOtp, r.RequestedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ride: %w", err)
	}
	return nil
}

func (s *RideStore) GetByID(ctx context.Context, id uuid.UUID) (*ride.Ride, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (s *RideStore) GetActiveByCustomer(ctx context.Context, customerID string) (*ride.Ride, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE customer_id = $1 AND status NOT IN ('completed', 'cancelled')
		LIMIT 1`, customerID)
	return scanRide(row)
}

func (s *RideStore) GetActiveByDriver(ctx context.Context, driverID string) (*ride.Ride, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 AND status NOT IN ('completed', 'cancelled')
		LIMIT 1`, driverID)
	return scanRide(row)
}

func (s *RideStore) Accept(ctx context.Context, id uuid.UUID, driverID string, at time.Time) (*ride.Ride, error) {
	return s.transition(ctx, id, `
		UPDATE rides
		SET status = 'accepted', driver_id = $2, accepted_at = $3
		WHERE id = $1 AND status = 'searching' AND driver_id IS NULL
	`, id, driverID, at)
}

func (s *RideStore) Arrive(ctx context.Context, id uuid.UUID, driverID string, at time.Time) (*ride.Ride, error) {
	return s.transition(ctx, id, `
		UPDATE rides
		SET status = 'arrived', arrived_at = $3
		WHERE id = $1 AND status = 'accepted' AND driver_id = $2
	`, id, driverID, at)
}

func (s *RideStore) Start(ctx context.Context, id uuid.UUID, driverID, endOtp string, at time.Time) (*ride.Ride, error) {
	return s.transition(ctx, id, `
		UPDATE rides
		SET status = 'started', start_otp_verified = TRUE, end_otp = $3, started_at = $4
		WHERE id = $1 AND status = 'arrived' AND driver_id = $2
	`, id, driverID, endOtp, at)
}

func (s *RideStore) Complete(ctx context.Context, id uuid.UUID, driverID string, fare ride.Fare, at time.Time) (*ride.Ride, error) {
	return s.transition(ctx, id, `
		UPDATE rides
		SET status = 'completed', end_otp_verified = TRUE,
		    fare_distance_km = $3, fare_price_per_km = $4,
		    fare_base = $5, fare_total = $6, completed_at = $7
		WHERE id = $1 AND status = 'started' AND driver_id = $2
	`, id, driverID, fare.DistanceKm, fare.PricePerKm, fare.BaseFare, fare.TotalAmount, at)
}

func (s *RideStore) Cancel(ctx context.Context, id uuid.UUID, cancelledBy, reason string, at time.Time) (*ride.Ride, error) {
	return s.transition(ctx, id, `
		UPDATE rides
		SET status = 'cancelled', cancelled_by = $2, cancellation_reason = $3, cancelled_at = $4
		WHERE id = $1 AND status IN ('searching', 'accepted', 'arrived')
	`, id, cancelledBy, reason, at)
}

func (s *RideStore) Expire(ctx context.Context, id uuid.UUID, at time.Time) (*ride.Ride, error) {
	return s.transition(ctx, id, `
		UPDATE rides
		SET status = 'cancelled', cancelled_by = NULL, cancellation_reason = $2, cancelled_at = $3
		WHERE id = $1 AND status = 'searching'
	`, id, ride.ReasonNoDrivers, at)
}

// transition runs a guarded UPDATE and maps a zero row count to either
// not-found or a failed precondition by re-reading the row.
func (s *RideStore) transition(ctx context.Context, id uuid.UUID, query string, args ...interface{}) (*ride.Ride, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to apply ride transition: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ride.ErrPreconditionFailed
	}

	return s.GetByID(ctx, id)
}

func scanRide(row *sql.Row) (*ride.Ride, error) {
	var (
		r                         ride.Ride
		driverID, endOtp          sql.NullString
		cancelledBy, cancelReason sql.NullString
		acceptedAt, arrivedAt     sql.NullTime
		startedAt, completedAt    sql.NullTime
		cancelledAt               sql.NullTime
	)

	err := row.Scan(
		&r.ID, &r.CustomerID, &driverID, &r.Status, &r.VehicleType,
		&r.Pickup.Latitude, &r.Pickup.Longitude,
		&r.Dropoff.Latitude, &r.Dropoff.Longitude,
		&r.Fare.DistanceKm, &r.Fare.PricePerKm, &r.Fare.BaseFare, &r.Fare.TotalAmount,
		&r.StartOtp, &endOtp, &r.StartOtpVerified, &r.EndOtpVerified,
		&r.RequestedAt, &acceptedAt, &arrivedAt, &startedAt, &completedAt,
		&cancelledAt, &cancelledBy, &cancelReason,
	)
	if err == sql.ErrNoRows {
		return nil, ride.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ride: %w", err)
	}

	r.DriverID = driverID.String
	r.EndOtp = endOtp.String
	r.CancelledBy = cancelledBy.String
	r.CancellationReason = cancelReason.String
	if acceptedAt.Valid {
		r.AcceptedAt = &acceptedAt.Time
	}
	if arrivedAt.Valid {
		r.ArrivedAt = &arrivedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = &cancelledAt.Time
	}

	return &r, nil
}
