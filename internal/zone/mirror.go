package zone

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
)

const (
	driverGeoKey   = "dispatch:drivers:geo"
	presencePrefix = "dispatch:driver:"
)

// RedisMirror keeps a geospatial copy of driver presence in Redis. It
// backs fallback radius queries and lets the in-memory directory rebuild
// after a restart. Never authoritative for dispatch decisions.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror creates a mirror backed by the given client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Upsert(ctx context.Context, p driver.Presence) error {
	pipe := m.client.Pipeline()
	pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      p.DriverID,
		Longitude: p.Location.Longitude,
		Latitude:  p.Location.Latitude,
	})
	pipe.HSet(ctx, presenceKey(p.DriverID), map[string]interface{}{
		"on_duty":      strconv.FormatBool(p.OnDuty),
		"vehicle_type": string(p.VehicleType),
		"latitude":     strconv.FormatFloat(p.Location.Latitude, 'f', -1, 64),
		"longitude":    strconv.FormatFloat(p.Location.Longitude, 'f', -1, 64),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) Remove(ctx context.Context, driverID string) error {
	pipe := m.client.Pipeline()
	pipe.ZRem(ctx, driverGeoKey, driverID)
	pipe.Del(ctx, presenceKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

// Load returns every mirrored presence, used by Directory.Rebuild.
func (m *RedisMirror) Load(ctx context.Context) ([]driver.Presence, error) {
	ids, err := m.client.ZRange(ctx, driverGeoKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]driver.Presence, 0, len(ids))
	for _, id := range ids {
		fields, err := m.client.HGetAll(ctx, presenceKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		lat, _ := strconv.ParseFloat(fields["latitude"], 64)
		lon, _ := strconv.ParseFloat(fields["longitude"], 64)
		onDuty, _ := strconv.ParseBool(fields["on_duty"])
		out = append(out, driver.Presence{
			DriverID:    id,
			Location:    driver.Location{Latitude: lat, Longitude: lon},
			OnDuty:      onDuty,
			VehicleType: driver.VehicleType(fields["vehicle_type"]),
		})
	}
	return out, nil
}

// NearbyDrivers runs a radius query against the geo index. Dispatch uses
// zone fan-out first; this is the fallback when zone membership is still
// warming up after a restart.
func (m *RedisMirror) NearbyDrivers(ctx context.Context, loc driver.Location, radiusKm float64, limit int) ([]string, error) {
	results, err := m.client.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  loc.Longitude,
		Latitude:   loc.Latitude,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Count:      limit,
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	return results, nil
}

func presenceKey(driverID string) string {
	return presencePrefix + driverID
}
