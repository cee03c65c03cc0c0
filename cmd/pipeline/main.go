package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"transit-signals/internal/bunching"
	"transit-signals/internal/config"
	"transit-signals/internal/feed"
	"transit-signals/internal/intervals"
	"transit-signals/internal/metrics"
	"transit-signals/internal/publisher"
	"transit-signals/internal/segments"
	"transit-signals/internal/store"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("db ping error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	client := feed.NewClient(cfg.TripUpdatesURL, cfg.VehiclePositionsURL)

	builder := segments.NewBuilder(
		func(ctx context.Context, tripID string, fromSeq, toSeq int) (int, bool) {
			sec, ok, err := st.GetScheduledDuration(ctx, tripID, fromSeq, toSeq)
			if err != nil {
				log.Printf("scheduled duration %s %d->%d: %v", tripID, fromSeq, toSeq, err)
				return 0, false
			}
			return sec, ok
		},
		st.SaveSegments,
		cfg.Location,
		wrapBuilderMetrics(mcol),
	)

	detector := bunching.NewDetector(cfg.BunchingDistanceKM, cfg.BunchingCooldown, wrapDetectorMetrics(mcol))

	// The interval server backs the arrival-time API (separate process); the
	// pipeline only refreshes it here so a stale artifact is noticed early.
	var calib *intervals.Server
	if cfg.ArtifactPath != "" {
		calib = intervals.NewServer(
			intervals.FileSource{Path: cfg.ArtifactPath},
			intervals.NewHolidayCalendar(cfg.HolidayDates),
			wrapServerMetrics(mcol),
		)
	}

	p := &pipeline{
		cfg:      cfg,
		store:    st,
		client:   client,
		builder:  builder,
		detector: detector,
		pub:      pub,
		calib:    calib,
		metrics:  mcol,
	}

	log.Printf("pipeline starting, polling every %s", cfg.PollInterval)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("shutdown complete")
			return
		case <-ticker.C:
		}
		p.runCycle(ctx)
	}
}

type pipeline struct {
	cfg      *config.Config
	store    *store.Store
	client   *feed.Client
	builder  *segments.Builder
	detector *bunching.Detector
	pub      *publisher.NATSPublisher
	calib    *intervals.Server
	metrics  *metrics.Collector
}

// runCycle performs one poll: fetch + decode both feeds independently,
// persist raw records, derive segments from the trailing window and run
// bunching detection. Every failure degrades to less output this cycle.
func (p *pipeline) runCycle(ctx context.Context) {
	start := time.Now()
	collectedAt := start.UTC()

	var (
		wg        sync.WaitGroup
		updates   []feed.StopTimeUpdate
		positions []feed.VehiclePosition
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		updates = p.decodeTripUpdates(ctx, collectedAt)
	}()
	go func() {
		defer wg.Done()
		positions = p.decodeVehiclePositions(ctx, collectedAt)
	}()
	wg.Wait()

	if len(updates) > 0 {
		if _, err := p.store.SaveStopTimes(ctx, updates); err != nil {
			log.Printf("save stop times: %v", err)
			p.saveErr("stop_times")
		}
	}
	if len(positions) > 0 {
		if _, err := p.store.SaveVehiclePositions(ctx, positions); err != nil {
			log.Printf("save vehicle positions: %v", err)
			p.saveErr("vehicle_positions")
		}
	}

	p.buildSegments(ctx)
	p.detectBunching(ctx, positions, start)

	if p.calib != nil {
		// Notice a stale or broken artifact early instead of on first lookup.
		p.calib.Refresh()
	}

	if p.metrics != nil {
		p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}
}

func (p *pipeline) decodeTripUpdates(ctx context.Context, collectedAt time.Time) []feed.StopTimeUpdate {
	raw, err := p.client.FetchTripUpdates(ctx)
	if err != nil {
		log.Printf("fetch trip updates: %v", err)
		p.feedErr("trip_updates", false)
		return nil
	}
	updates, err := feed.DecodeTripUpdates(raw, collectedAt)
	if err != nil {
		log.Printf("decode trip updates: %v", err)
		p.feedErr("trip_updates", true)
		return nil
	}
	if p.metrics != nil {
		p.metrics.RecordsDecoded.WithLabelValues("trip_updates").Add(float64(len(updates)))
	}
	return updates
}

func (p *pipeline) decodeVehiclePositions(ctx context.Context, collectedAt time.Time) []feed.VehiclePosition {
	raw, err := p.client.FetchVehiclePositions(ctx)
	if err != nil {
		log.Printf("fetch vehicle positions: %v", err)
		p.feedErr("vehicle_positions", false)
		return nil
	}
	positions, err := feed.DecodeVehiclePositions(raw, collectedAt)
	if err != nil {
		log.Printf("decode vehicle positions: %v", err)
		p.feedErr("vehicle_positions", true)
		return nil
	}
	if p.metrics != nil {
		p.metrics.RecordsDecoded.WithLabelValues("vehicle_positions").Add(float64(len(positions)))
	}
	return positions
}

func (p *pipeline) buildSegments(ctx context.Context) {
	window, err := p.store.GetRecentStopTimes(ctx, p.cfg.LookbackMinutes)
	if err != nil {
		log.Printf("recent stop times: %v", err)
		return
	}
	computed, saved, err := p.builder.Build(ctx, window)
	if err != nil {
		log.Printf("segment build: %v", err)
		p.saveErr("segments")
		return
	}
	if computed > 0 {
		log.Printf("segments: computed=%d saved=%d", computed, saved)
	}
}

func (p *pipeline) detectBunching(ctx context.Context, positions []feed.VehiclePosition, now time.Time) {
	events := p.detector.Detect(positions, now)
	if len(events) == 0 {
		return
	}
	log.Printf("bunching: %d event(s)", len(events))
	if _, err := p.store.SaveBunchingEvents(ctx, events); err != nil {
		log.Printf("save bunching events: %v", err)
		p.saveErr("bunching_events")
	}
	for _, ev := range events {
		if err := p.pub.PublishBunching(ev); err != nil {
			log.Printf("publish bunching %s %s/%s: %v", ev.Route, ev.VehicleIDA, ev.VehicleIDB, err)
		}
	}
}

func (p *pipeline) feedErr(feedName string, decode bool) {
	if p.metrics == nil {
		return
	}
	if decode {
		p.metrics.FeedDecodeErrs.WithLabelValues(feedName).Inc()
	} else {
		p.metrics.FeedFetchErrs.WithLabelValues(feedName).Inc()
	}
}

func (p *pipeline) saveErr(sink string) {
	if p.metrics != nil {
		p.metrics.SaveErrs.WithLabelValues(sink).Inc()
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()  { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc() { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func wrapBuilderMetrics(c *metrics.Collector) segments.BuilderMetrics {
	if c == nil {
		return nil
	}
	return &builderMetrics{c: c}
}

type builderMetrics struct{ c *metrics.Collector }

func (b *builderMetrics) SegmentsComputedAdd(n int) { b.c.SegmentsComputed.Add(float64(n)) }
func (b *builderMetrics) SegmentsSavedAdd(n int)    { b.c.SegmentsSaved.Add(float64(n)) }
func (b *builderMetrics) SegmentDroppedInc(reason string) {
	b.c.SegmentsDropped.WithLabelValues(reason).Inc()
}
func (b *builderMetrics) MissingStopSequenceInc() { b.c.MissingStopSequence.Inc() }

func wrapDetectorMetrics(c *metrics.Collector) bunching.DetectorMetrics {
	if c == nil {
		return nil
	}
	return &detectorMetrics{c: c}
}

type detectorMetrics struct{ c *metrics.Collector }

func (d *detectorMetrics) BunchingEventsAdd(n int) { d.c.BunchingEvents.Add(float64(n)) }
func (d *detectorMetrics) TrackedPairsSet(n int)   { d.c.TrackedPairs.Set(float64(n)) }

func wrapServerMetrics(c *metrics.Collector) intervals.ServerMetrics {
	if c == nil {
		return nil
	}
	return &serverMetrics{c: c}
}

type serverMetrics struct{ c *metrics.Collector }

func (s *serverMetrics) ArtifactReloadInc()    { s.c.ArtifactReloads.Inc() }
func (s *serverMetrics) ArtifactReloadErrInc() { s.c.ArtifactReloadErrs.Inc() }
