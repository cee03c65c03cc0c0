package intervals

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ServerMetrics receives reload observability counters. May be nil.
type ServerMetrics interface {
	ArtifactReloadInc()
	ArtifactReloadErrInc()
}

// Server resolves calibrated prediction intervals from an atomically-swapped
// artifact snapshot. Safe for many concurrent lookups; a single writer swaps
// the snapshot when the backing source changes. A failed reload keeps the
// previous snapshot and is never fatal to a lookup.
type Server struct {
	source   Source
	holidays HolidayCalendar
	metrics  ServerMetrics

	artifact atomic.Pointer[Artifact]

	reloadMu sync.Mutex
	mtime    time.Time
}

func NewServer(source Source, holidays HolidayCalendar, m ServerMetrics) *Server {
	return &Server{source: source, holidays: holidays, metrics: m}
}

// Lookup resolves the interval for a (route, daytype, horizon) tuple,
// reloading the artifact first if its backing modification time changed.
func (s *Server) Lookup(route, daytype, horizon string) Interval {
	s.maybeReload()
	iv, _ := s.artifact.Load().Resolve(route, daytype, horizon)
	return iv
}

// LookupForETA classifies the daytype and horizon bucket before resolving.
func (s *Server) LookupForETA(route string, at time.Time, etaMinutes float64) Interval {
	return s.Lookup(route, DaytypeFor(at, s.holidays), HorizonBucket(etaMinutes))
}

// Refresh reloads the artifact if its backing modification time changed.
// Lookups do this lazily on their own; Refresh lets a host poll proactively.
func (s *Server) Refresh() { s.maybeReload() }

func (s *Server) maybeReload() {
	if s.source == nil {
		return
	}
	mtime, err := s.source.Stat()
	if err != nil {
		log.Printf("calibration artifact stat: %v", err)
		if s.metrics != nil {
			s.metrics.ArtifactReloadErrInc()
		}
		return
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.artifact.Load() != nil && mtime.Equal(s.mtime) {
		return
	}
	a, loadedAt, err := s.source.Load()
	if err != nil {
		log.Printf("calibration artifact reload: %v", err)
		if s.metrics != nil {
			s.metrics.ArtifactReloadErrInc()
		}
		return
	}
	s.artifact.Store(a)
	s.mtime = loadedAt
	if s.metrics != nil {
		s.metrics.ArtifactReloadInc()
	}
}
