package bunching

import (
	"time"

	"transit-signals/internal/feed"
)

const (
	// DefaultCloseDistanceKM is the proximity threshold for two same-route
	// vehicles to count as close.
	DefaultCloseDistanceKM = 0.5
	// DefaultCooldown is the minimum gap between two events for the same pair.
	DefaultCooldown = 600 * time.Second

	// requiredCloseCycles debounces single-cycle GPS jitter: a pair must be
	// close for this many consecutive detection cycles before an event fires.
	requiredCloseCycles = 2
)

// BunchingEvent records two same-route vehicles converging. VehicleIDA sorts
// lexicographically before VehicleIDB.
type BunchingEvent struct {
	Route      string
	VehicleIDA string
	VehicleIDB string
	LatA       float64
	LonA       float64
	LatB       float64
	LonB       float64
	DistanceKM float64
	DetectedAt time.Time
}

// pairKey identifies a vehicle pair on a route. vidA < vidB so the key is
// stable regardless of iteration order.
type pairKey struct {
	route string
	vidA  string
	vidB  string
}

type pairState struct {
	consecutiveClose int
	lastEventAt      *time.Time
}

// DetectorMetrics receives detector observability values. May be nil.
type DetectorMetrics interface {
	BunchingEventsAdd(n int)
	TrackedPairsSet(n int)
}

// Detector is a debounced edge detector over vehicle pair distance. One
// instance owns all pair state; it is not safe for concurrent Detect calls,
// but reads after a call are.
type Detector struct {
	closeDistanceKM float64
	cooldown        time.Duration
	pairs           map[pairKey]*pairState
	metrics         DetectorMetrics
}

func NewDetector(closeDistanceKM float64, cooldown time.Duration, m DetectorMetrics) *Detector {
	if closeDistanceKM <= 0 {
		closeDistanceKM = DefaultCloseDistanceKM
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Detector{
		closeDistanceKM: closeDistanceKM,
		cooldown:        cooldown,
		pairs:           make(map[pairKey]*pairState),
		metrics:         m,
	}
}

// Detect runs one detection cycle over the currently-reporting vehicles.
// Records without a vehicle id or route are excluded up front. Pair state for
// pairs not jointly active this cycle is forgotten.
func (d *Detector) Detect(vehicles []feed.VehiclePosition, now time.Time) []BunchingEvent {
	byRoute := map[string][]feed.VehiclePosition{}
	for _, v := range vehicles {
		if v.VehicleID == "" || v.RouteID == nil || *v.RouteID == "" {
			continue
		}
		byRoute[*v.RouteID] = append(byRoute[*v.RouteID], v)
	}

	active := map[pairKey]struct{}{}
	var events []BunchingEvent
	for route, vs := range byRoute {
		if len(vs) < 2 {
			continue
		}
		for i := 0; i < len(vs); i++ {
			for j := i + 1; j < len(vs); j++ {
				a, b := vs[i], vs[j]
				if a.VehicleID == b.VehicleID {
					continue // duplicate report for the same vehicle
				}
				if b.VehicleID < a.VehicleID {
					a, b = b, a
				}
				key := pairKey{route: route, vidA: a.VehicleID, vidB: b.VehicleID}
				active[key] = struct{}{}

				st := d.pairs[key]
				if st == nil {
					st = &pairState{}
					d.pairs[key] = st
				}

				dist := HaversineKM(a.Lat, a.Lon, b.Lat, b.Lon)
				if dist <= d.closeDistanceKM {
					st.consecutiveClose++
				} else {
					st.consecutiveClose = 0
					continue
				}
				if st.consecutiveClose < requiredCloseCycles {
					continue
				}
				if st.lastEventAt != nil && now.Sub(*st.lastEventAt) < d.cooldown {
					continue
				}
				events = append(events, BunchingEvent{
					Route:      route,
					VehicleIDA: a.VehicleID,
					VehicleIDB: b.VehicleID,
					LatA:       a.Lat,
					LonA:       a.Lon,
					LatB:       b.Lat,
					LonB:       b.Lon,
					DistanceKM: dist,
					DetectedAt: now,
				})
				// Require two fresh close cycles before the next event.
				st.consecutiveClose = 0
				at := now
				st.lastEventAt = &at
			}
		}
	}

	for key := range d.pairs {
		if _, ok := active[key]; !ok {
			delete(d.pairs, key)
		}
	}

	if d.metrics != nil {
		d.metrics.BunchingEventsAdd(len(events))
		d.metrics.TrackedPairsSet(len(d.pairs))
	}
	return events
}

// TrackedPairs reports how many vehicle pairs currently hold state.
func (d *Detector) TrackedPairs() int { return len(d.pairs) }
