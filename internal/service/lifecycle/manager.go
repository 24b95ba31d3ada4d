package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/otp"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/session"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

const endOtpDigits = 4

// Manager drives a ride through its post-acceptance states. Both OTP
// gates live here: the start OTP proves the driver picked up the right
// customer, the end OTP proves the customer agreed the trip is over.
type Manager struct {
	repo      ride.Repository
	sessions  *session.Registry
	estimator *pricing.Estimator
	monitor   *monitoring.NewRelicApp
	logger    *logger.Logger
	now       func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(repo ride.Repository, sessions *session.Registry, estimator *pricing.Estimator, monitor *monitoring.NewRelicApp, log *logger.Logger) *Manager {
	return &Manager{
		repo:      repo,
		sessions:  sessions,
		estimator: estimator,
		monitor:   monitor,
		logger:    log,
		now:       time.Now,
	}
}

// MarkArrived records that the assigned driver reached the pickup point.
func (m *Manager) MarkArrived(ctx context.Context, driverID string, rideID uuid.UUID) (*ride.Ride, error) {
	current, err := m.load(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}

	// retried arrival is a no-op success
	if current.Status == ride.StatusArrived {
		return current, nil
	}

	updated, err := m.repo.Arrive(ctx, rideID, driverID, m.now())
	if err != nil {
		return nil, m.mapTransitionErr(err, "Ride is not in an acceptable state to mark arrived")
	}

	m.sessions.Send(updated.CustomerID, dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID: rideID.String(),
		Status: string(ride.StatusArrived),
	})

	m.logger.Info("Driver arrived at pickup",
		logger.String("ride_id", rideID.String()),
		logger.String("driver_id", driverID),
	)
	return updated, nil
}

// StartRide verifies the start OTP and moves the ride to started. On
// success it mints the end OTP and delivers it to the customer, who
// reveals it to the driver at dropoff. A retried start with the same
// correct OTP succeeds without changing anything.
func (m *Manager) StartRide(ctx context.Context, driverID string, rideID uuid.UUID, submittedOtp string) (*ride.Ride, error) {
	current, err := m.load(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}

	if current.StartOtp != submittedOtp {
		return nil, apperrors.ErrStartOtpMismatch
	}

	if current.Status == ride.StatusStarted && current.StartOtpVerified {
		return current, nil
	}

	endOtp := otp.Generate(endOtpDigits)
	updated, err := m.repo.Start(ctx, rideID, driverID, endOtp, m.now())
	if err != nil {
		return nil, m.mapTransitionErr(err, "Ride must be arrived before it can start")
	}

	m.sessions.Send(updated.CustomerID, dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID: rideID.String(),
		Status: string(ride.StatusStarted),
		EndOtp: updated.EndOtp,
	})

	m.logger.Info("Ride started",
		logger.String("ride_id", rideID.String()),
		logger.String("driver_id", driverID),
	)
	return updated, nil
}

// CompleteRide verifies the end OTP, recomputes the fare over the final
// distance, and closes the ride.
func (m *Manager) CompleteRide(ctx context.Context, driverID string, rideID uuid.UUID, submittedOtp string, finalDistanceKm float64) (*ride.Ride, error) {
	current, err := m.load(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}

	if current.EndOtp == "" || current.EndOtp != submittedOtp {
		return nil, apperrors.ErrEndOtpMismatch
	}

	if current.Status == ride.StatusCompleted && current.EndOtpVerified {
		return current, nil
	}

	fare, err := m.estimator.Estimate(current.VehicleType, finalDistanceKm)
	if err != nil {
		return nil, err
	}

	updated, err := m.repo.Complete(ctx, rideID, driverID, fare, m.now())
	if err != nil {
		return nil, m.mapTransitionErr(err, "Ride must be started before it can complete")
	}

	finalFare := updated.Fare
	m.sessions.Send(updated.CustomerID, dto.EventRideStatusUpdate, dto.RideStatusPayload{
		RideID: rideID.String(),
		Status: string(ride.StatusCompleted),
		Fare:   &finalFare,
	})

	m.monitor.RecordRideCompleted(rideID.String(), fare.TotalAmount, fare.DistanceKm)
	m.logger.Info("Ride completed",
		logger.String("ride_id", rideID.String()),
		logger.String("driver_id", driverID),
		logger.Float64("fare_total", fare.TotalAmount),
		logger.Float64("distance_km", fare.DistanceKm),
	)
	return updated, nil
}

// DriverLocation forwards the assigned driver's position to the ride's
// customer while the ride is in flight.
func (m *Manager) DriverLocation(ctx context.Context, driverID string, rideID uuid.UUID, loc driver.Location) error {
	if !loc.IsValid() {
		return apperrors.ErrInvalidCoordinates
	}

	current, err := m.load(ctx, rideID, driverID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() || current.Status == ride.StatusSearching {
		return apperrors.PreconditionFailed("Ride has no active assignment", nil)
	}

	m.sessions.Send(current.CustomerID, dto.EventDriverLocationUpdate, dto.DriverLocationPayload{
		RideID:   rideID.String(),
		DriverID: driverID,
		Location: loc,
	})
	return nil
}

// load fetches the ride and checks the caller is its assigned driver.
func (m *Manager) load(ctx context.Context, rideID uuid.UUID, driverID string) (*ride.Ride, error) {
	current, err := m.repo.GetByID(ctx, rideID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			return nil, apperrors.ErrRideNotFound
		}
		return nil, apperrors.Internal("Failed to load ride", err)
	}
	if current.DriverID != driverID {
		return nil, apperrors.ErrRideNotYours
	}
	return current, nil
}

func (m *Manager) mapTransitionErr(err error, message string) error {
	switch {
	case errors.Is(err, ride.ErrNotFound):
		return apperrors.ErrRideNotFound
	case errors.Is(err, ride.ErrPreconditionFailed):
		return apperrors.PreconditionFailed(message, nil)
	default:
		return apperrors.Internal("Failed to apply ride transition", err)
	}
}
