package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEncode_KnownVector tests against the canonical geohash example
func TestEncode_KnownVector(t *testing.T) {
	assert.Equal(t, "ezs42", Encode(42.605, -5.603, 5))
}

// TestEncode_Precision tests output length follows precision
func TestEncode_Precision(t *testing.T) {
	for p := 4; p <= 9; p++ {
		assert.Len(t, Encode(28.7041, 77.1025, p), p)
	}
}

// TestEncode_Stability tests nearby points in the same cell share a hash
func TestEncode_Stability(t *testing.T) {
	a := Encode(28.70410, 77.10250, 6)
	b := Encode(28.70411, 77.10251, 6)
	assert.Equal(t, a, b, "points meters apart should share a precision-6 cell")
}

// TestNeighbors_Count tests a cell has exactly 8 distinct neighbors
func TestNeighbors_Count(t *testing.T) {
	zone := Encode(28.7041, 77.1025, 6)
	neighbors := Neighbors(zone)

	assert.Len(t, neighbors, 8)

	seen := map[string]bool{zone: true}
	for _, n := range neighbors {
		assert.False(t, seen[n], "neighbor %s duplicated", n)
		assert.Len(t, n, len(zone))
		seen[n] = true
	}
}

// TestCandidateZones_PrimaryFirst tests the 9-cell set leads with the
// primary cell
func TestCandidateZones_PrimaryFirst(t *testing.T) {
	candidates := CandidateZones(28.7041, 77.1025, 6)

	assert.Len(t, candidates, 9)
	assert.Equal(t, Encode(28.7041, 77.1025, 6), candidates[0])
}

// TestCandidateZones_BoundaryCoverage tests a point just across a cell
// boundary lands in the candidate set of its neighbor
func TestCandidateZones_BoundaryCoverage(t *testing.T) {
	// walk east in small steps until the primary cell changes, then check
	// the new cell was already in the old candidate set
	lat, lon := 28.7041, 77.1025
	origin := Encode(lat, lon, 6)
	candidates := CandidateZones(lat, lon, 6)

	// a precision-6 cell spans ~0.011 degrees of longitude, so walk a bit
	// beyond one full cell width to guarantee crossing a boundary
	for step := 0.0001; step < 0.02; step += 0.0001 {
		next := Encode(lat, lon+step, 6)
		if next != origin {
			assert.Contains(t, candidates, next,
				"cell just across the boundary must be a candidate")
			return
		}
	}
	t.Fatal("never crossed a cell boundary")
}

// TestHaversineKm tests known distances
func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expectedKm             float64
		tolerance              float64
	}{
		{
			name: "Same point",
			lat1: 28.7041, lon1: 77.1025, lat2: 28.7041, lon2: 77.1025,
			expectedKm: 0, tolerance: 0.001,
		},
		{
			name: "Connaught Place to IGI Airport",
			lat1: 28.6315, lon1: 77.2167, lat2: 28.5562, lon2: 77.1000,
			expectedKm: 14.2, tolerance: 0.5,
		},
		{
			name: "Delhi to Mumbai",
			lat1: 28.7041, lon1: 77.1025, lat2: 19.0760, lon2: 72.8777,
			expectedKm: 1153, tolerance: 15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.expectedKm, got, tt.tolerance)
		})
	}
}
