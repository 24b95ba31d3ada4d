package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/geo"
	"github.com/gocomet/ride-dispatch/internal/otp"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/session"
	"github.com/gocomet/ride-dispatch/internal/zone"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

const (
	startOtpDigits = 4

	// radius fallback bounds when zone membership is empty
	fallbackRadiusKm = 5.0
	fallbackLimit    = 25
)

// Config holds dispatch configuration
type Config struct {
	// AcceptWindow bounds how long a request stays open for acceptance
	// before the system cancels it as "no drivers available".
	AcceptWindow time.Duration

	// GeohashPrecision sets the zone cell size for fan-out.
	GeohashPrecision int
}

// Engine matches ride requests to nearby drivers. A request fans out to
// every on-duty driver in the 9-cell candidate set around the pickup
// point; the first driver whose accept lands the conditional update wins
// and every other contender observes a failed precondition.
type Engine struct {
	repo      ride.Repository
	zones     *zone.Directory
	sessions  *session.Registry
	estimator *pricing.Estimator
	monitor   *monitoring.NewRelicApp
	logger    *logger.Logger
	config    Config

	mu      sync.Mutex
	pending map[uuid.UUID]*time.Timer
	now     func() time.Time
}

// NewEngine creates a dispatch engine.
func NewEngine(repo ride.Repository, zones *zone.Directory, sessions *session.Registry, estimator *pricing.Estimator, monitor *monitoring.NewRelicApp, log *logger.Logger, config Config) *Engine {
	return &Engine{
		repo:      repo,
		zones:     zones,
		sessions:  sessions,
		estimator: estimator,
		monitor:   monitor,
		logger:    log,
		config:    config,
		pending:   make(map[uuid.UUID]*time.Timer),
		now:       time.Now,
	}
}

// RequestRide creates a ride in searching status and fans it out to
// candidate drivers. One active ride per customer at a time. Fan-out is
// best effort: a driver with no live connection simply misses the
// broadcast.
func (e *Engine) RequestRide(ctx context.Context, customerID string, pickup, dropoff driver.Location, vehicleType driver.VehicleType) (*ride.Ride, error) {
	if !pickup.IsValid() || !dropoff.IsValid() {
		return nil, apperrors.ErrInvalidCoordinates
	}
	if !vehicleType.IsValid() {
		return nil, apperrors.ErrInvalidVehicleType
	}

	if _, err := e.repo.GetActiveByCustomer(ctx, customerID); err == nil {
		return nil, apperrors.ErrActiveRideExists
	} else if !errors.Is(err, ride.ErrNotFound) {
		return nil, apperrors.Internal("Failed to check active rides", err)
	}

	distanceKm := geo.HaversineKm(pickup.Latitude, pickup.Longitude, dropoff.Latitude, dropoff.Longitude)
	fare, err := e.estimator.Estimate(vehicleType, distanceKm)
	if err != nil {
		return nil, err
	}

	r := &ride.Ride{
		ID:          uuid.New(),
		CustomerID:  customerID,
		Status:      ride.StatusSearching,
		VehicleType: vehicleType,
		Pickup:      pickup,
		Dropoff:     dropoff,
		Fare:        fare,
		StartOtp:    otp.Generate(startOtpDigits),
		RequestedAt: e.now(),
	}
	if err := e.repo.Create(ctx, r); err != nil {
		return nil, apperrors.Internal("Failed to persist ride", err)
	}

	candidates := geo.CandidateZones(pickup.Latitude, pickup.Longitude, e.config.GeohashPrecision)
	driverIDs := e.zones.DriversInZones(candidates, vehicleType)
	if len(driverIDs) == 0 {
		// zone membership can lag reality right after a restart; fall back
		// to a radius query against the geo mirror
		driverIDs = e.zones.NearbyDrivers(ctx, pickup, fallbackRadiusKm, fallbackLimit, vehicleType)
	}

	payload := dto.NewRideRequestPayload{
		RideID:       r.ID.String(),
		Pickup:       pickup,
		Dropoff:      dropoff,
		VehicleType:  string(vehicleType),
		FareEstimate: fare,
		PickupZone:   candidates[0],
	}
	notified := 0
	for _, id := range driverIDs {
		if e.sessions.Send(id, dto.EventNewRideRequest, payload) {
			notified++
		}
	}

	e.scheduleExpiry(r.ID)

	e.monitor.RecordRideRequested(string(vehicleType))
	e.monitor.RecordFanout(notified, len(driverIDs))
	e.logger.Info("Ride request fanned out",
		logger.String("ride_id", r.ID.String()),
		logger.String("customer_id", customerID),
		logger.String("pickup_zone", candidates[0]),
		logger.Int("candidates", len(driverIDs)),
		logger.Int("notified", notified),
	)

	return r, nil
}

// AcceptRide resolves the acceptance race through a single conditional
// update. Exactly one concurrent caller succeeds; the rest get
// ErrRideUnavailable, which the transport reports as ride_unavailable.
func (e *Engine) AcceptRide(ctx context.Context, driverID string, rideID uuid.UUID) (*ride.Ride, error) {
	if active, err := e.repo.GetActiveByDriver(ctx, driverID); err == nil && active.ID != rideID {
		return nil, apperrors.Conflict("Driver is already assigned to another ride", nil)
	} else if err != nil && !errors.Is(err, ride.ErrNotFound) {
		return nil, apperrors.Internal("Failed to check driver assignment", err)
	}

	accepted, err := e.repo.Accept(ctx, rideID, driverID, e.now())
	if err != nil {
		switch {
		case errors.Is(err, ride.ErrNotFound):
			return nil, apperrors.ErrRideNotFound
		case errors.Is(err, ride.ErrPreconditionFailed):
			return nil, apperrors.ErrRideUnavailable
		default:
			return nil, apperrors.Internal("Failed to accept ride", err)
		}
	}

	e.cancelExpiry(rideID)

	e.sessions.Send(driverID, dto.EventRideAccepted, dto.RideAcceptedDriverPayload{
		RideID:     accepted.ID.String(),
		CustomerID: accepted.CustomerID,
		Pickup:     accepted.Pickup,
		Dropoff:    accepted.Dropoff,
		Fare:       accepted.Fare,
	})

	customerPayload := dto.RideAcceptedCustomerPayload{
		RideID:      accepted.ID.String(),
		DriverID:    driverID,
		VehicleType: string(accepted.VehicleType),
	}
	if p, ok := e.zones.Presence(driverID); ok {
		loc := p.Location
		customerPayload.DriverLocation = &loc
		customerPayload.EtaMinutes = etaMinutes(loc, accepted.Pickup)
	}
	e.sessions.Send(accepted.CustomerID, dto.EventRideAccepted, customerPayload)

	e.monitor.RecordAcceptLatency(float64(e.now().Sub(accepted.RequestedAt).Milliseconds()))
	e.logger.Info("Ride accepted",
		logger.String("ride_id", rideID.String()),
		logger.String("driver_id", driverID),
	)

	return accepted, nil
}

// CancelRide cancels a ride on behalf of its customer or assigned
// driver. Permitted only before the ride starts.
func (e *Engine) CancelRide(ctx context.Context, requesterID string, rideID uuid.UUID, reason string) (*ride.Ride, error) {
	current, err := e.repo.GetByID(ctx, rideID)
	if err != nil {
		if errors.Is(err, ride.ErrNotFound) {
			return nil, apperrors.ErrRideNotFound
		}
		return nil, apperrors.Internal("Failed to load ride", err)
	}

	isCustomer, isDriver := current.Party(requesterID)
	if !isCustomer && !isDriver {
		return nil, apperrors.ErrRideNotFound
	}

	cancelled, err := e.repo.Cancel(ctx, rideID, requesterID, reason, e.now())
	if err != nil {
		if errors.Is(err, ride.ErrPreconditionFailed) {
			return nil, apperrors.PreconditionFailed("Ride can no longer be cancelled", nil)
		}
		return nil, apperrors.Internal("Failed to cancel ride", err)
	}

	e.cancelExpiry(rideID)

	payload := dto.RideCancelledPayload{
		RideID:      rideID.String(),
		CancelledBy: requesterID,
		Reason:      reason,
	}
	if isCustomer && cancelled.DriverID != "" {
		e.sessions.Send(cancelled.DriverID, dto.EventRideCancelled, payload)
	}
	if isDriver {
		e.sessions.Send(cancelled.CustomerID, dto.EventRideCancelled, payload)
	}

	e.logger.Info("Ride cancelled",
		logger.String("ride_id", rideID.String()),
		logger.String("cancelled_by", requesterID),
		logger.String("reason", reason),
	)

	return cancelled, nil
}

// Stop drains pending expiry timers; used on shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.pending {
		t.Stop()
		delete(e.pending, id)
	}
}

func (e *Engine) scheduleExpiry(rideID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[rideID] = time.AfterFunc(e.config.AcceptWindow, func() {
		e.expire(rideID)
	})
}

func (e *Engine) cancelExpiry(rideID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.pending[rideID]; ok {
		t.Stop()
		delete(e.pending, rideID)
	}
}

// expire times out a request that found no driver. It uses the same
// conditional update as acceptance, so a concurrent accept and expiry
// cannot both win.
func (e *Engine) expire(rideID uuid.UUID) {
	e.mu.Lock()
	delete(e.pending, rideID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expired, err := e.repo.Expire(ctx, rideID, e.now())
	if err != nil {
		if errors.Is(err, ride.ErrPreconditionFailed) {
			// a driver accepted first
			return
		}
		e.logger.Error("Failed to expire ride", logger.String("ride_id", rideID.String()), logger.Err(err))
		return
	}

	e.sessions.Send(expired.CustomerID, dto.EventRideCancelled, dto.RideCancelledPayload{
		RideID: rideID.String(),
		Reason: ride.ReasonNoDrivers,
	})

	e.monitor.RecordRideExpired(rideID.String())
	e.logger.Info("Ride request expired", logger.String("ride_id", rideID.String()))
}

// etaMinutes is a coarse straight-line estimate at city speed. Routing
// providers own real ETAs; this only seeds the acceptance notification.
func etaMinutes(from, to driver.Location) int {
	const citySpeedKmh = 25.0
	km := geo.HaversineKm(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	mins := int(km / citySpeedKmh * 60)
	if mins < 1 {
		mins = 1
	}
	return mins
}
