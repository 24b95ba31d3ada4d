package dto

import (
	"encoding/json"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// Event names consumed from clients.
const (
	// driver surface
	EventDutyOn         = "duty_on"
	EventDutyOff        = "duty_off"
	EventZoneSubscribe  = "zone_subscribe"
	EventAcceptRide     = "accept_ride"
	EventMarkArrived    = "mark_arrived"
	EventStartRide      = "start_ride"
	EventCompleteRide   = "complete_ride"
	EventLocationUpdate = "location_update"

	// customer surface
	EventRequestRide = "request_ride"

	// both surfaces
	EventCancelRide = "cancel_ride"
)

// Event names produced to clients.
const (
	EventNewRideRequest       = "new_ride_request"
	EventRideUnavailable      = "ride_unavailable"
	EventRideAccepted         = "ride_accepted"
	EventRideCancelled        = "ride_cancelled"
	EventRideStatusUpdate     = "ride_status_update"
	EventDriverLocationUpdate = "driver_location_update"
	EventDutyStatusChanged    = "duty_status_changed"
	EventZoneSubscribed       = "zone_subscribed"
	EventError                = "error"
)

// ClientEvent is the inbound websocket envelope.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

type DutyOnPayload struct {
	Location    driver.Location `json:"location"`
	VehicleType string          `json:"vehicle_type"`
}

type ZoneSubscribePayload struct {
	Location driver.Location `json:"location"`
}

type RequestRidePayload struct {
	Pickup      driver.Location `json:"pickup"`
	Dropoff     driver.Location `json:"dropoff"`
	VehicleType string          `json:"vehicle_type"`
}

type AcceptRidePayload struct {
	RideID string `json:"ride_id"`
}

type MarkArrivedPayload struct {
	RideID string `json:"ride_id"`
}

type StartRidePayload struct {
	RideID string `json:"ride_id"`
	Otp    string `json:"otp"`
}

type CompleteRidePayload struct {
	RideID     string  `json:"ride_id"`
	Otp        string  `json:"otp"`
	DistanceKm float64 `json:"distance_km"`
}

type LocationUpdatePayload struct {
	RideID   string          `json:"ride_id,omitempty"`
	Location driver.Location `json:"location"`
}

type CancelRidePayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

// Outbound payloads

// NewRideRequestPayload is fanned out to candidate drivers.
type NewRideRequestPayload struct {
	RideID       string          `json:"ride_id"`
	Pickup       driver.Location `json:"pickup"`
	Dropoff      driver.Location `json:"dropoff"`
	VehicleType  string          `json:"vehicle_type"`
	FareEstimate ride.Fare       `json:"fare_estimate"`
	PickupZone   string          `json:"pickup_zone"`
}

// RideAcceptedDriverPayload goes to the winning driver.
type RideAcceptedDriverPayload struct {
	RideID     string          `json:"ride_id"`
	CustomerID string          `json:"customer_id"`
	Pickup     driver.Location `json:"pickup"`
	Dropoff    driver.Location `json:"dropoff"`
	Fare       ride.Fare       `json:"fare_estimate"`
}

// RideAcceptedCustomerPayload goes to the requesting customer.
type RideAcceptedCustomerPayload struct {
	RideID         string           `json:"ride_id"`
	DriverID       string           `json:"driver_id"`
	VehicleType    string           `json:"vehicle_type"`
	DriverLocation *driver.Location `json:"driver_location,omitempty"`
	EtaMinutes     int              `json:"eta_minutes,omitempty"`
}

// RideStatusPayload reports a lifecycle transition. OTPs are included
// only on events addressed to the customer: the start OTP with the
// request acknowledgment, the end OTP once the ride starts.
type RideStatusPayload struct {
	RideID   string     `json:"ride_id"`
	Status   string     `json:"status"`
	StartOtp string     `json:"start_otp,omitempty"`
	EndOtp   string     `json:"end_otp,omitempty"`
	Fare     *ride.Fare `json:"fare,omitempty"`
}

type RideCancelledPayload struct {
	RideID      string `json:"ride_id"`
	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      string `json:"reason"`
}

type RideUnavailablePayload struct {
	RideID string `json:"ride_id"`
}

type DriverLocationPayload struct {
	RideID   string          `json:"ride_id"`
	DriverID string          `json:"driver_id"`
	Location driver.Location `json:"location"`
}

type DutyStatusPayload struct {
	OnDuty bool   `json:"on_duty"`
	Zone   string `json:"zone,omitempty"`
}

type ZoneSubscribedPayload struct {
	Zone           string   `json:"zone"`
	CandidateZones []string `json:"candidate_zones"`
}

// ErrorPayload is the structured failure event returned to the
// initiating connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
