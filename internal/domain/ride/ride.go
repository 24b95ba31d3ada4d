package ride

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
)

// Status represents ride status. Transitions are monotonic:
// searching -> accepted -> arrived -> started -> completed, with
// cancelled reachable from searching, accepted and arrived only.
type Status string

const (
	StatusSearching Status = "searching"
	StatusAccepted  Status = "accepted"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CancelledBySystem marks a cancellation that no user initiated (expiry)
const CancelledBySystem = ""

// ReasonNoDrivers is the system reason stamped when a request expires
// with no acceptance.
const ReasonNoDrivers = "no drivers available"

// Fare is the persisted fare breakdown
type Fare struct {
	DistanceKm  float64 `json:"distance_km"`
	PricePerKm  float64 `json:"price_per_km"`
	BaseFare    float64 `json:"base_fare"`
	TotalAmount float64 `json:"total_amount"`
}

// Ride is the durable record and the single source of truth for ride
// state. Only the lifecycle manager and dispatch engine write to it, and
// every status transition goes through a conditional update.
type Ride struct {
	ID          uuid.UUID          `json:"id"`
	CustomerID  string             `json:"customer_id"`
	DriverID    string             `json:"driver_id,omitempty"`
	Status      Status             `json:"status"`
	VehicleType driver.VehicleType `json:"vehicle_type"`
	Pickup      driver.Location    `json:"pickup"`
	Dropoff     driver.Location    `json:"dropoff"`
	Fare        Fare               `json:"fare"`

	// StartOtp is generated at request time, EndOtp at ride start. Each
	// is verifiable exactly once; the booleans flip on first success and
	// a repeated correct submission reads as already-verified.
	StartOtp         string `json:"-"`
	EndOtp           string `json:"-"`
	StartOtpVerified bool   `json:"start_otp_verified"`
	EndOtpVerified   bool   `json:"end_otp_verified"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        string `json:"cancelled_by,omitempty"`
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

// CanCancel reports whether a cancellation is still permitted. A ride in
// progress cannot be cancelled, only completed.
func (r *Ride) CanCancel() bool {
	switch r.Status {
	case StatusSearching, StatusAccepted, StatusArrived:
		return true
	}
	return false
}

// Party returns whether the given user is the customer or the assigned
// driver on this ride.
func (r *Ride) Party(userID string) (isCustomer, isDriver bool) {
	return r.CustomerID == userID, r.DriverID != "" && r.DriverID == userID
}

// Sentinel errors returned by Repository implementations.
var (
	ErrNotFound = errors.New("ride not found")

	// ErrPreconditionFailed means the stored status (or assignee) no
	// longer matched the transition's guard, e.g. a lost accept race.
	ErrPreconditionFailed = errors.New("ride precondition failed")
)

// Repository is the persisted-record boundary. Every transition method
// applies its write only if the stored record still matches the expected
// prior state; a failed guard surfaces as ErrPreconditionFailed, never as
// a partial write. Implementations must not approximate this with
// read-then-write.
type Repository interface {
	Create(ctx context.Context, r *Ride) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ride, error)

	// GetActiveByCustomer returns the customer's ride in a non-terminal
	// status, or ErrNotFound.
	GetActiveByCustomer(ctx context.Context, customerID string) (*Ride, error)

	// GetActiveByDriver returns the ride currently assigned to the
	// driver in a non-terminal status, or ErrNotFound.
	GetActiveByDriver(ctx context.Context, driverID string) (*Ride, error)

	// Accept transitions searching -> accepted and assigns the driver,
	// iff status is still searching and no driver is set. Exactly one
	// concurrent caller can succeed.
	Accept(ctx context.Context, id uuid.UUID, driverID string, at time.Time) (*Ride, error)

	// Arrive transitions accepted -> arrived iff the ride is assigned to
	// driverID.
	Arrive(ctx context.Context, id uuid.UUID, driverID string, at time.Time) (*Ride, error)

	// Start transitions arrived -> started, marks the start OTP verified
	// and stores the freshly generated end OTP.
	Start(ctx context.Context, id uuid.UUID, driverID, endOtp string, at time.Time) (*Ride, error)

	// Complete transitions started -> completed, marks the end OTP
	// verified and stores the final fare.
	Complete(ctx context.Context, id uuid.UUID, driverID string, fare Fare, at time.Time) (*Ride, error)

	// Cancel transitions searching|accepted|arrived -> cancelled.
	Cancel(ctx context.Context, id uuid.UUID, cancelledBy, reason string, at time.Time) (*Ride, error)

	// Expire transitions searching -> cancelled with the system reason.
	// Shares the same guard as Accept, so whichever lands first wins.
	Expire(ctx context.Context, id uuid.UUID, at time.Time) (*Ride, error)
}
