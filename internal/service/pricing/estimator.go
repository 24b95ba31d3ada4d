package pricing

import (
	"math"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
)

// Estimator computes fares from vehicle class and distance. It is a pure
// collaborator: no I/O, no side effects, same inputs same outputs.
type Estimator struct {
	config Config
}

// Config holds per-vehicle fare rates
type Config struct {
	BaseFare   map[driver.VehicleType]float64
	PricePerKm map[driver.VehicleType]float64
}

// NewEstimator creates a fare estimator
func NewEstimator(config Config) *Estimator {
	return &Estimator{config: config}
}

// Estimate returns the fare breakdown for a vehicle class over a
// distance. Amounts are rounded to two decimals.
func (e *Estimator) Estimate(vehicleType driver.VehicleType, distanceKm float64) (ride.Fare, error) {
	if !vehicleType.IsValid() {
		return ride.Fare{}, apperrors.ErrInvalidVehicleType
	}
	if distanceKm < 0 {
		return ride.Fare{}, apperrors.BadRequest("Distance cannot be negative", nil)
	}

	base := e.config.BaseFare[vehicleType]
	perKm := e.config.PricePerKm[vehicleType]

	return ride.Fare{
		DistanceKm:  distanceKm,
		PricePerKm:  perKm,
		BaseFare:    base,
		TotalAmount: round2(base + distanceKm*perKm),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
