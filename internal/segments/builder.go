package segments

import (
	"context"
	"sort"
	"time"

	"transit-signals/internal/feed"
)

// maxTravelSec caps a plausible stop-to-stop travel time. Longer (or negative)
// durations are treated as feed noise and dropped.
const maxTravelSec = 7200

// SegmentTravelTime is one observed stop-to-stop leg of a trip, derived from
// two adjacent stop time updates. Append-only once created.
type SegmentTravelTime struct {
	TripID             string
	RouteID            string
	DirectionID        *int
	VehicleID          string
	FromStopID         string
	ToStopID           string
	StopSequence       int
	ScheduledTravelSec *int
	ActualTravelSec    int
	DelayAtOriginSec   *int
	DepartureTime      time.Time
	HourOfDay          int
	DayOfWeek          int
	IsWeekend          bool
}

// ScheduleLookup resolves the scheduled duration in seconds between two stop
// sequences of a trip. ok is false when the schedule is unknown.
type ScheduleLookup func(ctx context.Context, tripID string, fromSeq, toSeq int) (sec int, ok bool)

// SaveFunc persists a batch of segments and reports how many were actually
// stored (the sink may deduplicate).
type SaveFunc func(ctx context.Context, segs []SegmentTravelTime) (int, error)

// BuilderMetrics receives drop/observability counters. May be nil.
type BuilderMetrics interface {
	SegmentsComputedAdd(n int)
	SegmentsSavedAdd(n int)
	SegmentDroppedInc(reason string)
	MissingStopSequenceInc()
}

type Builder struct {
	schedule ScheduleLookup
	save     SaveFunc
	tz       *time.Location
	metrics  BuilderMetrics
}

func NewBuilder(schedule ScheduleLookup, save SaveFunc, tz *time.Location, m BuilderMetrics) *Builder {
	if tz == nil {
		tz = time.Local
	}
	return &Builder{schedule: schedule, save: save, tz: tz, metrics: m}
}

// Build groups the window of stop time updates by trip, pairs adjacent stops
// and persists the resulting segments in one batch. It returns the number of
// segments computed and the number the sink reported as stored. An empty
// window is a no-op.
func (b *Builder) Build(ctx context.Context, updates []feed.StopTimeUpdate) (computed, saved int, err error) {
	byTrip := map[string][]feed.StopTimeUpdate{}
	for _, u := range updates {
		if u.StopSequence == nil && b.metrics != nil {
			b.metrics.MissingStopSequenceInc()
		}
		byTrip[u.TripID] = append(byTrip[u.TripID], u)
	}

	var segs []SegmentTravelTime
	for tripID, stops := range byTrip {
		stops = collapseObservations(stops)
		sort.SliceStable(stops, func(i, j int) bool {
			return seqOrZero(stops[i]) < seqOrZero(stops[j])
		})
		for i := 0; i+1 < len(stops); i++ {
			cur, next := stops[i], stops[i+1]
			seg, ok := b.buildPair(ctx, tripID, cur, next)
			if !ok {
				continue
			}
			segs = append(segs, seg)
		}
	}
	if b.metrics != nil {
		b.metrics.SegmentsComputedAdd(len(segs))
	}
	if len(segs) == 0 {
		return 0, 0, nil
	}

	saved, err = b.save(ctx, segs)
	if err != nil {
		return len(segs), 0, err
	}
	if b.metrics != nil {
		b.metrics.SegmentsSavedAdd(saved)
	}
	return len(segs), saved, nil
}

func (b *Builder) buildPair(ctx context.Context, tripID string, cur, next feed.StopTimeUpdate) (SegmentTravelTime, bool) {
	dep := departureInstant(cur)
	arr := next.ArrivalTime
	if dep == nil || arr == nil {
		b.dropped("missing_time")
		return SegmentTravelTime{}, false
	}
	durSec := int(arr.Sub(*dep) / time.Second)
	if durSec < 0 || durSec > maxTravelSec {
		b.dropped("out_of_range")
		return SegmentTravelTime{}, false
	}

	seg := SegmentTravelTime{
		TripID:          tripID,
		RouteID:         cur.RouteID,
		DirectionID:     cur.DirectionID,
		VehicleID:       cur.VehicleID,
		FromStopID:      cur.StopID,
		ToStopID:        next.StopID,
		StopSequence:    seqOrZero(cur),
		ActualTravelSec: durSec,
		DepartureTime:   *dep,
	}
	if d := cur.DepartureDelaySec; d != nil {
		seg.DelayAtOriginSec = d
	} else {
		seg.DelayAtOriginSec = cur.ArrivalDelaySec
	}
	if b.schedule != nil && cur.StopSequence != nil && next.StopSequence != nil {
		if sec, ok := b.schedule(ctx, tripID, *cur.StopSequence, *next.StopSequence); ok {
			seg.ScheduledTravelSec = &sec
		}
	}

	local := dep.In(b.tz)
	seg.HourOfDay = local.Hour()
	seg.DayOfWeek = int(local.Weekday())
	seg.IsWeekend = local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	return seg, true
}

// collapseObservations keeps one record per (stop_sequence, stop) of a trip,
// preferring the most recently collected. The lookback window spans several
// poll cycles, so the same stop is normally observed more than once; without
// the collapse a stop would be paired with itself.
func collapseObservations(stops []feed.StopTimeUpdate) []feed.StopTimeUpdate {
	type stopKey struct {
		seq    int
		stopID string
	}
	idx := make(map[stopKey]int, len(stops))
	out := make([]feed.StopTimeUpdate, 0, len(stops))
	for _, u := range stops {
		k := stopKey{seqOrZero(u), u.StopID}
		if i, seen := idx[k]; seen {
			if !u.CollectedAt.Before(out[i].CollectedAt) {
				out[i] = u
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, u)
	}
	return out
}

// departureInstant prefers the departure time, falling back to arrival.
func departureInstant(u feed.StopTimeUpdate) *time.Time {
	if u.DepartureTime != nil {
		return u.DepartureTime
	}
	return u.ArrivalTime
}

// seqOrZero orders unsequenced updates first. The upstream feed occasionally
// omits stop_sequence; zero keeps ordering deterministic but may misplace a
// stop, which is why each occurrence is counted in Build.
func seqOrZero(u feed.StopTimeUpdate) int {
	if u.StopSequence == nil {
		return 0
	}
	return *u.StopSequence
}

func (b *Builder) dropped(reason string) {
	if b.metrics != nil {
		b.metrics.SegmentDroppedInc(reason)
	}
}
