package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// RideStore is an in-process ride.Repository with the same conditional
// update semantics as the postgres store. Every guard check and write
// happens under one mutex, so concurrent transitions observe the same
// exactly-once behavior the production store gets from conditional
// UPDATEs.
type RideStore struct {
	mu    sync.Mutex
	rides map[uuid.UUID]*ride.Ride
}

// NewRideStore creates an empty store.
func NewRideStore() *RideStore {
	return &RideStore{rides: make(map[uuid.UUID]*ride.Ride)}
}

func (s *RideStore) Create(_ context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rides[r.ID] = &cp
	return nil
}

func (s *RideStore) GetByID(_ context.Context, id uuid.UUID) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *RideStore) GetActiveByCustomer(_ context.Context, customerID string) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rides {
		if r.CustomerID == customerID && !r.Status.IsTerminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ride.ErrNotFound
}

func (s *RideStore) GetActiveByDriver(_ context.Context, driverID string) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rides {
		if r.DriverID == driverID && !r.Status.IsTerminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ride.ErrNotFound
}

func (s *RideStore) Accept(_ context.Context, id uuid.UUID, driverID string, at time.Time) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	if r.Status != ride.StatusSearching || r.DriverID != "" {
		return nil, ride.ErrPreconditionFailed
	}
	r.Status = ride.StatusAccepted
	r.DriverID = driverID
	r.AcceptedAt = &at
	cp := *r
	return &cp, nil
}

func (s *RideStore) Arrive(_ context.Context, id uuid.UUID, driverID string, at time.Time) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	if r.Status != ride.StatusAccepted || r.DriverID != driverID {
		return nil, ride.ErrPreconditionFailed
	}
	r.Status = ride.StatusArrived
	r.ArrivedAt = &at
	cp := *r
	return &cp, nil
}

func (s *RideStore) Start(_ context.Context, id uuid.UUID, driverID, endOtp string, at time.Time) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	if r.Status != ride.StatusArrived || r.DriverID != driverID {
		return nil, ride.ErrPreconditionFailed
	}
	r.Status = ride.StatusStarted
	r.StartOtpVerified = true
	r.EndOtp = endOtp
	r.StartedAt = &at
	cp := *r
	return &cp, nil
}

func (s *RideStore) Complete(_ context.Context, id uuid.UUID, driverID string, fare ride.Fare, at time.Time) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	if r.Status != ride.StatusStarted || r.DriverID != driverID {
		return nil, ride.ErrPreconditionFailed
	}
	r.Status = ride.StatusCompleted
	r.EndOtpVerified = true
	r.Fare = fare
	r.CompletedAt = &at
	cp := *r
	return &cp, nil
}

func (s *RideStore) Cancel(_ context.Context, id uuid.UUID, cancelledBy, reason string, at time.Time) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	if !r.CanCancel() {
		return nil, ride.ErrPreconditionFailed
	}
	r.Status = ride.StatusCancelled
	r.CancelledBy = cancelledBy
	r.CancellationReason = reason
	r.CancelledAt = &at
	cp := *r
	return &cp, nil
}

func (s *RideStore) Expire(_ context.Context, id uuid.UUID, at time.Time) (*ride.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrNotFound
	}
	if r.Status != ride.StatusSearching {
		return nil, ride.ErrPreconditionFailed
	}
	r.Status = ride.StatusCancelled
	r.CancelledBy = ride.CancelledBySystem
	r.CancellationReason = ride.ReasonNoDrivers
	r.CancelledAt = &at
	cp := *r
	return &cp, nil
}
