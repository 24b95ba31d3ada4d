package zone

import (
	"context"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/geo"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Directory maps zones to the on-duty drivers subscribed to them. A
// driver is subscribed to its primary cell only; dispatch reads the
// 9-cell candidate set, so single-cell membership stays write-cheap
// without boundary misses.
//
// The in-memory maps are a rebuildable cache, not a source of truth: the
// durable Ride record owns ride state and the Redis mirror lets the
// directory be rebuilt after a restart.
type Directory struct {
	mu        sync.RWMutex
	members   map[string]map[string]struct{} // zone -> set of driverIDs
	presence  map[string]*driver.Presence    // driverID -> presence
	precision int
	mirror    Mirror
	logger    *logger.Logger
	now       func() time.Time
}

// Mirror receives best-effort copies of presence changes. Failures are
// logged and never block duty or location updates.
type Mirror interface {
	Upsert(ctx context.Context, p driver.Presence) error
	Remove(ctx context.Context, driverID string) error
	Load(ctx context.Context) ([]driver.Presence, error)
}

// NewDirectory creates a zone directory. mirror may be nil.
func NewDirectory(precision int, mirror Mirror, log *logger.Logger) *Directory {
	return &Directory{
		members:   make(map[string]map[string]struct{}),
		presence:  make(map[string]*driver.Presence),
		precision: precision,
		mirror:    mirror,
		logger:    log,
		now:       time.Now,
	}
}

// SetDuty toggles a driver's duty state. Going on duty subscribes the
// driver to the primary zone of its reported location; going off duty
// removes it from its zone and clears presence.
func (d *Directory) SetDuty(ctx context.Context, driverID string, loc driver.Location, vehicleType driver.VehicleType, onDuty bool) string {
	d.mu.Lock()

	if !onDuty {
		d.removeLocked(driverID)
		d.mu.Unlock()

		if d.mirror != nil {
			if err := d.mirror.Remove(ctx, driverID); err != nil {
				d.logger.Warn("Zone mirror remove failed", logger.String("driver_id", driverID), logger.Err(err))
			}
		}
		d.logger.Info("Driver off duty", logger.String("driver_id", driverID))
		return ""
	}

	primary := geo.Encode(loc.Latitude, loc.Longitude, d.precision)
	p := &driver.Presence{
		DriverID:    driverID,
		Location:    loc,
		OnDuty:      true,
		Zone:        primary,
		VehicleType: vehicleType,
		LastSeen:    d.now(),
	}
	d.removeLocked(driverID)
	d.presence[driverID] = p
	d.subscribeLocked(driverID, primary)
	d.mu.Unlock()

	d.mirrorUpsert(ctx, *p)
	d.logger.Info("Driver on duty",
		logger.String("driver_id", driverID),
		logger.String("zone", primary),
		logger.String("vehicle_type", string(vehicleType)),
	)
	return primary
}

// UpdateLocation moves an on-duty driver's zone membership when its
// primary cell changes. This is the resubscription step that runs on
// every location report while the driver is moving; updates for drivers
// not on duty only refresh last-seen state and are otherwise ignored.
func (d *Directory) UpdateLocation(ctx context.Context, driverID string, loc driver.Location) (zone string, moved bool) {
	d.mu.Lock()
	p, ok := d.presence[driverID]
	if !ok || !p.OnDuty {
		d.mu.Unlock()
		return "", false
	}

	p.Location = loc
	p.LastSeen = d.now()

	primary := geo.Encode(loc.Latitude, loc.Longitude, d.precision)
	if primary != p.Zone {
		d.unsubscribeLocked(driverID, p.Zone)
		d.subscribeLocked(driverID, primary)
		p.Zone = primary
		moved = true
	}
	snapshot := *p
	d.mu.Unlock()

	d.mirrorUpsert(ctx, snapshot)
	if moved {
		d.logger.Debug("Driver moved zones",
			logger.String("driver_id", driverID),
			logger.String("zone", primary),
		)
	}
	return primary, moved
}

// Touch refreshes a driver's last-seen timestamp without moving it, used
// when a driver reconnects and rebinds.
func (d *Directory) Touch(driverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.presence[driverID]; ok {
		p.LastSeen = d.now()
	}
}

// DriversInZones returns on-duty drivers of the given vehicle type
// subscribed to any of the zones.
func (d *Directory) DriversInZones(zones []string, vehicleType driver.VehicleType) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	seen := make(map[string]struct{})
	for _, z := range zones {
		for id := range d.members[z] {
			if _, dup := seen[id]; dup {
				continue
			}
			p := d.presence[id]
			if p == nil || !p.OnDuty || p.VehicleType != vehicleType {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// radiusQuerier is the optional mirror capability backing the radius
// fallback.
type radiusQuerier interface {
	NearbyDrivers(ctx context.Context, loc driver.Location, radiusKm float64, limit int) ([]string, error)
}

// NearbyDrivers runs a radius query against the mirror's geo index and
// filters the hits through local presence. Used by dispatch as a fallback
// when zone membership turns up empty, e.g. right after a restart before
// drivers have reported in.
func (d *Directory) NearbyDrivers(ctx context.Context, loc driver.Location, radiusKm float64, limit int, vehicleType driver.VehicleType) []string {
	q, ok := d.mirror.(radiusQuerier)
	if !ok {
		return nil
	}

	ids, err := q.NearbyDrivers(ctx, loc, radiusKm, limit)
	if err != nil {
		d.logger.Warn("Zone mirror radius query failed", logger.Err(err))
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		p := d.presence[id]
		if p == nil || !p.OnDuty || p.VehicleType != vehicleType {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Presence returns a copy of a driver's presence.
func (d *Directory) Presence(driverID string) (driver.Presence, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.presence[driverID]
	if !ok {
		return driver.Presence{}, false
	}
	return *p, true
}

// ExpireSilent forces off duty every driver whose last report is older
// than the quiet window. A dropped connection alone does not evict a
// driver; this sweep is the policy backstop for prolonged silence.
func (d *Directory) ExpireSilent(ctx context.Context, quietFor time.Duration) []string {
	cutoff := d.now().Add(-quietFor)

	d.mu.Lock()
	var expired []string
	for id, p := range d.presence {
		if p.OnDuty && p.LastSeen.Before(cutoff) {
			d.removeLocked(id)
			expired = append(expired, id)
		}
	}
	d.mu.Unlock()

	for _, id := range expired {
		if d.mirror != nil {
			if err := d.mirror.Remove(ctx, id); err != nil {
				d.logger.Warn("Zone mirror remove failed", logger.String("driver_id", id), logger.Err(err))
			}
		}
		d.logger.Info("Driver forced off duty after silence", logger.String("driver_id", id))
	}
	return expired
}

// Rebuild restores membership from the mirror after a restart.
func (d *Directory) Rebuild(ctx context.Context) error {
	if d.mirror == nil {
		return nil
	}
	presences, err := d.mirror.Load(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range presences {
		if !p.OnDuty {
			continue
		}
		cp := p
		cp.Zone = geo.Encode(p.Location.Latitude, p.Location.Longitude, d.precision)
		cp.LastSeen = d.now()
		d.presence[p.DriverID] = &cp
		d.subscribeLocked(p.DriverID, cp.Zone)
	}
	d.logger.Info("Zone directory rebuilt", logger.Int("drivers", len(presences)))
	return nil
}

func (d *Directory) subscribeLocked(driverID, zone string) {
	set, ok := d.members[zone]
	if !ok {
		set = make(map[string]struct{})
		d.members[zone] = set
	}
	set[driverID] = struct{}{}
}

func (d *Directory) unsubscribeLocked(driverID, zone string) {
	if set, ok := d.members[zone]; ok {
		delete(set, driverID)
		if len(set) == 0 {
			delete(d.members, zone)
		}
	}
}

func (d *Directory) removeLocked(driverID string) {
	if p, ok := d.presence[driverID]; ok {
		if p.Zone != "" {
			d.unsubscribeLocked(driverID, p.Zone)
		}
		delete(d.presence, driverID)
	}
}

func (d *Directory) mirrorUpsert(ctx context.Context, p driver.Presence) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.Upsert(ctx, p); err != nil {
		d.logger.Warn("Zone mirror upsert failed", logger.String("driver_id", p.DriverID), logger.Err(err))
	}
}
