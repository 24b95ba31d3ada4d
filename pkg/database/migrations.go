package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the rides table if it does not exist. The row layout
// mirrors internal/domain/ride; status plus driver_id form the guard
// columns for every conditional transition.
func Migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rides (
		id                  UUID PRIMARY KEY,
		customer_id         TEXT NOT NULL,
		driver_id           TEXT,
		status              TEXT NOT NULL,
		vehicle_type        TEXT NOT NULL,
		pickup_latitude     DOUBLE PRECISION NOT NULL,
		pickup_longitude    DOUBLE PRECISION NOT NULL,
		dropoff_latitude    DOUBLE PRECISION NOT NULL,
		dropoff_longitude   DOUBLE PRECISION NOT NULL,
		fare_distance_km    DOUBLE PRECISION NOT NULL DEFAULT 0,
		fare_price_per_km   DOUBLE PRECISION NOT NULL DEFAULT 0,
		fare_base           DOUBLE PRECISION NOT NULL DEFAULT 0,
		fare_total          DOUBLE PRECISION NOT NULL DEFAULT 0,
		start_otp           TEXT NOT NULL,
		end_otp             TEXT,
		start_otp_verified  BOOLEAN NOT NULL DEFAULT FALSE,
		end_otp_verified    BOOLEAN NOT NULL DEFAULT FALSE,
		requested_at        TIMESTAMPTZ NOT NULL,
		accepted_at         TIMESTAMPTZ,
		arrived_at          TIMESTAMPTZ,
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		cancelled_at        TIMESTAMPTZ,
		cancelled_by        TEXT,
		cancellation_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rides_customer_active
		ON rides (customer_id)
		WHERE status NOT IN ('completed', 'cancelled');

	CREATE INDEX IF NOT EXISTS idx_rides_driver
		ON rides (driver_id)
		WHERE driver_id IS NOT NULL;
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
