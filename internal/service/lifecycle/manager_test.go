package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-dispatch/internal/api/dto"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/session"
	"github.com/gocomet/ride-dispatch/internal/storage/memory"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

// fakeConn records full delivered payloads so tests can inspect them
type fakeConn struct {
	mu     sync.Mutex
	events []delivered
}

type delivered struct {
	event   string
	payload interface{}
}

func (f *fakeConn) Deliver(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, delivered{event, payload})
	return nil
}

func (f *fakeConn) CloseWithReason(string) {}

func (f *fakeConn) last(event string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == event {
			return f.events[i].payload, true
		}
	}
	return nil, false
}

func newTestManager(t *testing.T) (*Manager, *memory.RideStore, *session.Registry) {
	t.Helper()

	repo := memory.NewRideStore()
	sessions := session.NewRegistry(logger.Nop())
	estimator := pricing.NewEstimator(pricing.Config{
		BaseFare: map[driver.VehicleType]float64{
			driver.VehicleBike: 20, driver.VehicleAuto: 30, driver.VehicleCab: 50,
		},
		PricePerKm: map[driver.VehicleType]float64{
			driver.VehicleBike: 8, driver.VehicleAuto: 12, driver.VehicleCab: 18,
		},
	})
	monitor, err := monitoring.New(monitoring.Config{})
	require.NoError(t, err)

	return NewManager(repo, sessions, estimator, monitor, logger.Nop()), repo, sessions
}

// seedAcceptedRide stores a cab ride already assigned to d1
func seedAcceptedRide(t *testing.T, repo *memory.RideStore) *ride.Ride {
	t.Helper()
	ctx := context.Background()

	r := &ride.Ride{
		ID:          uuid.New(),
		CustomerID:  "c1",
		Status:      ride.StatusSearching,
		VehicleType: driver.VehicleCab,
		Pickup:      driver.Location{Latitude: 28.7041, Longitude: 77.1025},
		Dropoff:     driver.Location{Latitude: 28.6315, Longitude: 77.2167},
		StartOtp:    "4321",
		RequestedAt: time.Now(),
	}
	require.NoError(t, repo.Create(ctx, r))

	accepted, err := repo.Accept(ctx, r.ID, "d1", time.Now())
	require.NoError(t, err)
	return accepted
}

func bind(sessions *session.Registry, userID string, role auth.Role) *fakeConn {
	conn := &fakeConn{}
	sessions.Bind(auth.Identity{UserID: userID, Roles: []auth.Role{role}}, role, conn)
	return conn
}

// TestFullRideFlow walks a cab ride from acceptance to completion: arrive,
// start gated on the start OTP, complete gated on the end OTP, final fare
// over the actual distance
func TestFullRideFlow(t *testing.T) {
	manager, repo, sessions := newTestManager(t)
	ctx := context.Background()

	customer := bind(sessions, "c1", auth.RoleCustomer)
	r := seedAcceptedRide(t, repo)

	// driver reaches the pickup point
	arrived, err := manager.MarkArrived(ctx, "d1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusArrived, arrived.Status)
	require.NotNil(t, arrived.ArrivedAt)

	// wrong start OTP changes nothing
	_, err = manager.StartRide(ctx, "d1", r.ID, "0000")
	assert.ErrorIs(t, err, apperrors.ErrStartOtpMismatch)
	unchanged, err := repo.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusArrived, unchanged.Status)
	assert.False(t, unchanged.StartOtpVerified)

	// correct start OTP starts the ride and mints the end OTP
	started, err := manager.StartRide(ctx, "d1", r.ID, "4321")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusStarted, started.Status)
	assert.True(t, started.StartOtpVerified)
	assert.Len(t, started.EndOtp, 4)
	require.NotNil(t, started.StartedAt)

	// customer was told the end OTP
	payload, ok := customer.last("ride_status_update")
	require.True(t, ok)
	statusPayload, ok := payload.(dto.RideStatusPayload)
	require.True(t, ok)
	assert.Equal(t, string(ride.StatusStarted), statusPayload.Status)
	assert.Equal(t, started.EndOtp, statusPayload.EndOtp)

	// wrong end OTP rejected
	_, err = manager.CompleteRide(ctx, "d1", r.ID, "0000", 7.3)
	assert.ErrorIs(t, err, apperrors.ErrEndOtpMismatch)

	// correct end OTP completes with the final fare: 50 + 7.3*18
	completed, err := manager.CompleteRide(ctx, "d1", r.ID, started.EndOtp, 7.3)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCompleted, completed.Status)
	assert.True(t, completed.EndOtpVerified)
	assert.Equal(t, 181.4, completed.Fare.TotalAmount)
	assert.Equal(t, 7.3, completed.Fare.DistanceKm)
	require.NotNil(t, completed.CompletedAt)

	// timestamps are monotonic
	assert.False(t, arrived.ArrivedAt.Before(r.RequestedAt))
	assert.False(t, started.StartedAt.Before(*arrived.ArrivedAt))
	assert.False(t, completed.CompletedAt.Before(*started.StartedAt))
}

// TestMarkArrived_Idempotent tests a retried arrival succeeds without a
// second transition
func TestMarkArrived_Idempotent(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	r := seedAcceptedRide(t, repo)

	first, err := manager.MarkArrived(ctx, "d1", r.ID)
	require.NoError(t, err)

	second, err := manager.MarkArrived(ctx, "d1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ArrivedAt, second.ArrivedAt)
}

// TestStartRide_IdempotentRetry tests a repeated start with the same
// correct OTP reads as success and keeps the original end OTP
func TestStartRide_IdempotentRetry(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	r := seedAcceptedRide(t, repo)
	_, err := manager.MarkArrived(ctx, "d1", r.ID)
	require.NoError(t, err)

	first, err := manager.StartRide(ctx, "d1", r.ID, "4321")
	require.NoError(t, err)

	second, err := manager.StartRide(ctx, "d1", r.ID, "4321")
	require.NoError(t, err)
	assert.Equal(t, first.EndOtp, second.EndOtp, "retry must not mint a new end OTP")
	assert.Equal(t, first.StartedAt, second.StartedAt)
}

// TestStartRide_RequiresArrival tests starting before arrival fails even
// with the correct OTP
func TestStartRide_RequiresArrival(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	r := seedAcceptedRide(t, repo)

	_, err := manager.StartRide(ctx, "d1", r.ID, "4321")
	assert.True(t, apperrors.IsCode(err, "PRECONDITION_FAILED"))
}

// TestLifecycle_WrongDriverRejected tests only the assigned driver can
// advance the ride
func TestLifecycle_WrongDriverRejected(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	r := seedAcceptedRide(t, repo)

	_, err := manager.MarkArrived(ctx, "d2", r.ID)
	assert.ErrorIs(t, err, apperrors.ErrRideNotYours)

	_, err = manager.StartRide(ctx, "d2", r.ID, "4321")
	assert.ErrorIs(t, err, apperrors.ErrRideNotYours)

	_, err = manager.CompleteRide(ctx, "d2", r.ID, "1111", 5)
	assert.ErrorIs(t, err, apperrors.ErrRideNotYours)
}

// TestCompleteRide_BeforeStartRejected tests the end OTP cannot verify
// before the ride starts because none exists yet
func TestCompleteRide_BeforeStartRejected(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	r := seedAcceptedRide(t, repo)
	_, err := manager.MarkArrived(ctx, "d1", r.ID)
	require.NoError(t, err)

	_, err = manager.CompleteRide(ctx, "d1", r.ID, "", 5)
	assert.ErrorIs(t, err, apperrors.ErrEndOtpMismatch)
}

// TestDriverLocation_ForwardedToCustomer tests location relay during an
// active assignment
func TestDriverLocation_ForwardedToCustomer(t *testing.T) {
	manager, repo, sessions := newTestManager(t)
	ctx := context.Background()

	customer := bind(sessions, "c1", auth.RoleCustomer)
	r := seedAcceptedRide(t, repo)

	err := manager.DriverLocation(ctx, "d1", r.ID, driver.Location{Latitude: 28.7, Longitude: 77.1})
	require.NoError(t, err)

	_, ok := customer.last("driver_location_update")
	assert.True(t, ok)

	// strangers cannot relay
	err = manager.DriverLocation(ctx, "d2", r.ID, driver.Location{Latitude: 28.7, Longitude: 77.1})
	assert.ErrorIs(t, err, apperrors.ErrRideNotYours)
}

// TestDriverLocation_TerminalRideRejected tests relaying stops once the
// ride is over
func TestDriverLocation_TerminalRideRejected(t *testing.T) {
	manager, repo, _ := newTestManager(t)
	ctx := context.Background()

	r := seedAcceptedRide(t, repo)
	_, err := repo.Cancel(ctx, r.ID, "c1", "changed plans", time.Now())
	require.NoError(t, err)

	err = manager.DriverLocation(ctx, "d1", r.ID, driver.Location{Latitude: 28.7, Longitude: 77.1})
	assert.True(t, apperrors.IsCode(err, "PRECONDITION_FAILED"))
}
