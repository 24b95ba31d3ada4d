package driver

import "time"

// VehicleType represents the class of vehicle a driver operates
type VehicleType string

const (
	VehicleBike VehicleType = "bike"
	VehicleAuto VehicleType = "auto"
	VehicleCab  VehicleType = "cab"
)

// IsValid validates the vehicle type
func (v VehicleType) IsValid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCab:
		return true
	}
	return false
}

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// IsValid checks the coordinates are on the planet
func (l Location) IsValid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// Presence is a driver's live duty state. Zone is the primary geohash
// cell the driver is subscribed to; it is non-empty exactly while the
// driver is on duty. Location and duty fields are last-write-wins, owned
// by whichever driver connection reported them most recently.
type Presence struct {
	DriverID    string
	Location    Location
	OnDuty      bool
	Zone        string
	VehicleType VehicleType
	LastSeen    time.Time
}
