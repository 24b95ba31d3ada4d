package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/session"
	"github.com/gocomet/ride-dispatch/internal/storage/memory"
	"github.com/gocomet/ride-dispatch/internal/zone"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
)

var (
	pickup  = driver.Location{Latitude: 28.7041, Longitude: 77.1025}
	dropoff = driver.Location{Latitude: 28.6315, Longitude: 77.2167}
)

// fakeConn records delivered events per connection
type fakeConn struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeConn) Deliver(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) CloseWithReason(string) {}

func (f *fakeConn) received(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

type testRig struct {
	engine    *Engine
	repo      *memory.RideStore
	sessions  *session.Registry
	directory *zone.Directory
}

func newTestRig(t *testing.T, acceptWindow time.Duration) *testRig {
	t.Helper()

	repo := memory.NewRideStore()
	sessions := session.NewRegistry(logger.Nop())
	directory := zone.NewDirectory(6, nil, logger.Nop())
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

	engine := NewEngine(repo, directory, sessions, estimator, monitor, logger.Nop(), Config{
		AcceptWindow:     acceptWindow,
		GeohashPrecision: 6,
	})
	t.Cleanup(engine.Stop)

	return &testRig{engine: engine, repo: repo, sessions: sessions, directory: directory}
}

// connect binds a fake connection for the user
func (r *testRig) connect(userID string, role auth.Role) *fakeConn {
	conn := &fakeConn{}
	r.sessions.Bind(auth.Identity{UserID: userID, Roles: []auth.Role{role}}, role, conn)
	return conn
}

// onDuty puts a driver on duty at the given position with a connection
func (r *testRig) onDuty(driverID string, at driver.Location, vt driver.VehicleType) *fakeConn {
	conn := r.connect(driverID, auth.RoleDriver)
	r.directory.SetDuty(context.Background(), driverID, at, vt, true)
	return conn
}

// TestRequestRide_FansOutToNearbyDrivers tests drivers in the pickup cell
// and its neighbors are notified while distant and mismatched ones are not
func TestRequestRide_FansOutToNearbyDrivers(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	near := rig.onDuty("d-near", pickup, driver.VehicleCab)
	neighbor := rig.onDuty("d-neighbor", driver.Location{
		Latitude: pickup.Latitude, Longitude: pickup.Longitude + 0.012,
	}, driver.VehicleCab)
	far := rig.onDuty("d-far", driver.Location{Latitude: 19.0760, Longitude: 72.8777}, driver.VehicleCab)
	wrongType := rig.onDuty("d-bike", pickup, driver.VehicleBike)

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusSearching, r.Status)
	assert.NotEmpty(t, r.StartOtp)
	assert.Len(t, r.StartOtp, 4)

	assert.True(t, near.received("new_ride_request"))
	assert.True(t, neighbor.received("new_ride_request"))
	assert.False(t, far.received("new_ride_request"))
	assert.False(t, wrongType.received("new_ride_request"))
}

// TestRequestRide_SecondActiveRideRejected tests one active ride per
// customer
func TestRequestRide_SecondActiveRideRejected(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	_, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	_, err = rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleAuto)
	assert.ErrorIs(t, err, apperrors.ErrActiveRideExists)
}

// TestRequestRide_Validation tests coordinate and vehicle validation
func TestRequestRide_Validation(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	_, err := rig.engine.RequestRide(ctx, "c1",
		driver.Location{Latitude: 91, Longitude: 0}, dropoff, driver.VehicleCab)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCoordinates)

	_, err = rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleType("sedan"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidVehicleType)
}

// TestAcceptRide_ConcurrentDriversExactlyOneWins tests the acceptance
// race: N drivers accept simultaneously and exactly one succeeds
func TestAcceptRide_ConcurrentDriversExactlyOneWins(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	const contenders = 20
	var wg sync.WaitGroup
	results := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		driverID := fmt.Sprintf("d%d", i)
		rig.connect(driverID, auth.RoleDriver)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.engine.AcceptRide(ctx, driverID, r.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperrors.ErrRideUnavailable):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one driver must win the race")
	assert.Equal(t, contenders-1, losses)

	final, err := rig.repo.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAccepted, final.Status)
	assert.NotEmpty(t, final.DriverID)
	assert.NotNil(t, final.AcceptedAt)
}

// TestAcceptRide_NotifiesBothParties tests the winner and the customer
// both learn about the assignment
func TestAcceptRide_NotifiesBothParties(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	customer := rig.connect("c1", auth.RoleCustomer)
	drv := rig.onDuty("d1", pickup, driver.VehicleCab)

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	_, err = rig.engine.AcceptRide(ctx, "d1", r.ID)
	require.NoError(t, err)

	assert.True(t, drv.received("ride_accepted"))
	assert.True(t, customer.received("ride_accepted"))
}

// TestAcceptRide_BusyDriverRejected tests a driver on an active ride
// cannot accept another
func TestAcceptRide_BusyDriverRejected(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	first, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)
	_, err = rig.engine.AcceptRide(ctx, "d1", first.ID)
	require.NoError(t, err)

	second, err := rig.engine.RequestRide(ctx, "c2", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	_, err = rig.engine.AcceptRide(ctx, "d1", second.ID)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))
}

// TestExpiry_CancelsUnacceptedRequest tests a request with no acceptance
// is system-cancelled after the accept window
func TestExpiry_CancelsUnacceptedRequest(t *testing.T) {
	rig := newTestRig(t, 20*time.Millisecond)
	ctx := context.Background()

	customer := rig.connect("c1", auth.RoleCustomer)

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		final, err := rig.repo.GetByID(ctx, r.ID)
		return err == nil && final.Status == ride.StatusCancelled
	}, time.Second, 10*time.Millisecond)

	final, err := rig.repo.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.ReasonNoDrivers, final.CancellationReason)
	assert.Equal(t, ride.CancelledBySystem, final.CancelledBy)
	assert.True(t, customer.received("ride_cancelled"))
}

// TestExpiry_LosesToAccept tests an accepted ride is never expired
func TestExpiry_LosesToAccept(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)
	ctx := context.Background()

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	_, err = rig.engine.AcceptRide(ctx, "d1", r.ID)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	final, err := rig.repo.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAccepted, final.Status)
}

// TestCancelRide_StrangerRejected tests a user with no stake in the ride
// cannot cancel it and learns nothing about it
func TestCancelRide_StrangerRejected(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	_, err = rig.engine.CancelRide(ctx, "stranger", r.ID, "nope")
	assert.ErrorIs(t, err, apperrors.ErrRideNotFound)
}

// TestCancelRide_NotifiesCounterparty tests a driver cancellation reaches
// the customer
func TestCancelRide_NotifiesCounterparty(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()

	customer := rig.connect("c1", auth.RoleCustomer)

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)
	_, err = rig.engine.AcceptRide(ctx, "d1", r.ID)
	require.NoError(t, err)

	cancelled, err := rig.engine.CancelRide(ctx, "d1", r.ID, "vehicle breakdown")
	require.NoError(t, err)

	assert.Equal(t, ride.StatusCancelled, cancelled.Status)
	assert.Equal(t, "d1", cancelled.CancelledBy)
	assert.True(t, customer.received("ride_cancelled"))
}

// TestCancelRide_StartedRideRejected tests a ride in progress cannot be
// cancelled
func TestCancelRide_StartedRideRejected(t *testing.T) {
	rig := newTestRig(t, time.Hour)
	ctx := context.Background()
	now := time.Now()

	r, err := rig.engine.RequestRide(ctx, "c1", pickup, dropoff, driver.VehicleCab)
	require.NoError(t, err)

	_, err = rig.repo.Accept(ctx, r.ID, "d1", now)
	require.NoError(t, err)
	_, err = rig.repo.Arrive(ctx, r.ID, "d1", now)
	require.NoError(t, err)
	_, err = rig.repo.Start(ctx, r.ID, "d1", "9999", now)
	require.NoError(t, err)

	_, err = rig.engine.CancelRide(ctx, "c1", r.ID, "changed my mind")
	assert.True(t, apperrors.IsCode(err, "PRECONDITION_FAILED"))
}
