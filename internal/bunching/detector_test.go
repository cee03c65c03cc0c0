package bunching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-signals/internal/feed"
)

func sp(s string) *string { return &s }

func vehicle(route, id string, lat, lon float64) feed.VehiclePosition {
	return feed.VehiclePosition{
		VehicleID:   id,
		RouteID:     sp(route),
		Lat:         lat,
		Lon:         lon,
		CollectedAt: time.Now(),
	}
}

// Madison: ~0.0045 degrees of latitude is roughly half a kilometer.
const (
	madLat = 43.0731
	madLon = -89.4012
)

func TestHaversineKM(t *testing.T) {
	assert.Zero(t, HaversineKM(madLat, madLon, madLat, madLon))

	d1 := HaversineKM(madLat, madLon, madLat+0.0045, madLon)
	d2 := HaversineKM(madLat+0.0045, madLon, madLat, madLon)
	assert.Equal(t, d1, d2, "distance is symmetric")
	assert.InDelta(t, 0.5, d1, 0.005, "0.0045 deg latitude is ~0.5 km")
}

func TestDetectEmitsAfterTwoCloseCycles(t *testing.T) {
	d := NewDetector(DefaultCloseDistanceKM, DefaultCooldown, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	near := []feed.VehiclePosition{
		vehicle("RT-1", "bus-2", madLat, madLon),
		vehicle("RT-1", "bus-1", madLat+0.001, madLon),
	}

	events := d.Detect(near, now)
	assert.Empty(t, events, "one close cycle is jitter, not bunching")

	events = d.Detect(near, now.Add(30*time.Second))
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "RT-1", ev.Route)
	assert.Equal(t, "bus-1", ev.VehicleIDA, "pair is canonically ordered")
	assert.Equal(t, "bus-2", ev.VehicleIDB)
	assert.Less(t, ev.DistanceKM, 0.5)
	assert.Equal(t, now.Add(30*time.Second), ev.DetectedAt)

	events = d.Detect(near, now.Add(60*time.Second))
	assert.Empty(t, events, "cooldown suppresses a third consecutive close cycle")
}

func TestDetectCooldownThenSecondEvent(t *testing.T) {
	d := NewDetector(DefaultCloseDistanceKM, DefaultCooldown, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	near := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-1", "bus-2", madLat+0.001, madLon),
	}
	far := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-1", "bus-2", madLat+0.02, madLon), // ~2.2 km away
	}

	require.Empty(t, d.Detect(near, now))
	require.Len(t, d.Detect(near, now.Add(30*time.Second)), 1)

	// Separate, then re-converge after the cooldown has elapsed.
	later := now.Add(11 * time.Minute)
	require.Empty(t, d.Detect(far, later))
	require.Empty(t, d.Detect(near, later.Add(30*time.Second)))
	events := d.Detect(near, later.Add(60*time.Second))
	require.Len(t, events, 1, "second event after cooldown and two fresh close cycles")
}

func TestDetectCooldownBlocksReconvergence(t *testing.T) {
	d := NewDetector(DefaultCloseDistanceKM, DefaultCooldown, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	near := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-1", "bus-2", madLat+0.001, madLon),
	}
	far := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-1", "bus-2", madLat+0.02, madLon),
	}

	require.Empty(t, d.Detect(near, now))
	require.Len(t, d.Detect(near, now.Add(30*time.Second)), 1)

	// Re-converging for two cycles inside the cooldown stays silent.
	require.Empty(t, d.Detect(far, now.Add(60*time.Second)))
	require.Empty(t, d.Detect(near, now.Add(90*time.Second)))
	require.Empty(t, d.Detect(near, now.Add(120*time.Second)))
}

func TestDetectPruneInactivePairs(t *testing.T) {
	d := NewDetector(DefaultCloseDistanceKM, DefaultCooldown, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	both := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-1", "bus-2", madLat+0.001, madLon),
	}
	d.Detect(both, now)
	assert.Equal(t, 1, d.TrackedPairs())

	// bus-2 goes offline: the pair is no longer jointly active.
	only := []feed.VehiclePosition{vehicle("RT-1", "bus-1", madLat, madLon)}
	d.Detect(only, now.Add(30*time.Second))
	assert.Zero(t, d.TrackedPairs())

	// Re-converging now needs two fresh close cycles again.
	assert.Empty(t, d.Detect(both, now.Add(60*time.Second)))
	assert.Len(t, d.Detect(both, now.Add(90*time.Second)), 1)
}

func TestDetectSkipsIncompleteAndSingletonRoutes(t *testing.T) {
	d := NewDetector(DefaultCloseDistanceKM, DefaultCooldown, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	vehicles := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-2", "bus-9", madLat, madLon),                // alone on its route
		{VehicleID: "bus-3", Lat: madLat, Lon: madLon},          // no route
		{RouteID: sp("RT-1"), Lat: madLat + 0.001, Lon: madLon}, // no vehicle id
	}

	assert.Empty(t, d.Detect(vehicles, now))
	assert.Empty(t, d.Detect(vehicles, now.Add(30*time.Second)))
	assert.Zero(t, d.TrackedPairs())
}

func TestDetectSeparateRoutesDoNotPair(t *testing.T) {
	d := NewDetector(DefaultCloseDistanceKM, DefaultCooldown, nil)
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// Same spot, different routes.
	vehicles := []feed.VehiclePosition{
		vehicle("RT-1", "bus-1", madLat, madLon),
		vehicle("RT-2", "bus-2", madLat, madLon),
	}
	assert.Empty(t, d.Detect(vehicles, now))
	assert.Empty(t, d.Detect(vehicles, now.Add(30*time.Second)))
}
