package monitoring

import (
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
}

// NewRelicApp wraps the New Relic application
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a new New Relic application
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return &NewRelicApp{nil, false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.enabled || nr.Application == nil {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.enabled || nr.Application == nil {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown gracefully shuts down the New Relic application
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.enabled || nr.Application == nil {
		return
	}
	nr.Application.Shutdown(timeout)
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr.enabled
}

// Dispatch metric helpers

// RecordFanout records how many drivers a ride request reached
func (nr *NewRelicApp) RecordFanout(notified, candidates int) {
	nr.RecordCustomMetric("custom/dispatch/fanout_notified", float64(notified))
	nr.RecordCustomMetric("custom/dispatch/fanout_candidates", float64(candidates))
}

// RecordAcceptLatency records time from request to acceptance
func (nr *NewRelicApp) RecordAcceptLatency(latencyMs float64) {
	nr.RecordCustomMetric("custom/dispatch/accept_latency_ms", latencyMs)
}

// RecordRideRequested records ride creation
func (nr *NewRelicApp) RecordRideRequested(vehicleType string) {
	nr.RecordCustomEvent("RideRequested", map[string]interface{}{
		"vehicle_type": vehicleType,
		"timestamp":    time.Now().Unix(),
	})
}

// RecordRideCompleted records ride completion with final fare
func (nr *NewRelicApp) RecordRideCompleted(rideID string, fare float64, distanceKm float64) {
	nr.RecordCustomEvent("RideCompleted", map[string]interface{}{
		"ride_id":     rideID,
		"fare":        fare,
		"distance_km": distanceKm,
	})
}

// RecordRideExpired records a request that found no driver in time
func (nr *NewRelicApp) RecordRideExpired(rideID string) {
	nr.RecordCustomEvent("RideExpired", map[string]interface{}{
		"ride_id": rideID,
	})
}
