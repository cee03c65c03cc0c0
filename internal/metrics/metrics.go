package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	FeedFetchErrs  *prometheus.CounterVec // feed label: trip_updates|vehicle_positions
	FeedDecodeErrs *prometheus.CounterVec
	RecordsDecoded *prometheus.CounterVec

	SegmentsComputed    prometheus.Counter
	SegmentsSaved       prometheus.Counter
	SegmentsDropped     *prometheus.CounterVec // reason label: missing_time|out_of_range
	MissingStopSequence prometheus.Counter

	BunchingEvents prometheus.Counter
	TrackedPairs   prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	ArtifactReloads    prometheus.Counter
	ArtifactReloadErrs prometheus.Counter

	CycleDuration prometheus.Histogram
	SaveErrs      *prometheus.CounterVec // sink label: stop_times|vehicle_positions|segments|bunching_events
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FeedFetchErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_feed_fetch_errors_total",
			Help: "Total feed fetch failures.",
		}, []string{"feed"}),
		FeedDecodeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_feed_decode_errors_total",
			Help: "Total feed payloads that failed to decode.",
		}, []string{"feed"}),
		RecordsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_records_decoded_total",
			Help: "Total records decoded from the feeds.",
		}, []string{"feed"}),
		SegmentsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_segments_computed_total",
			Help: "Total segment travel times computed.",
		}),
		SegmentsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_segments_saved_total",
			Help: "Total segment travel times the sink reported as stored.",
		}),
		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_segments_dropped_total",
			Help: "Total stop pairs dropped while building segments.",
		}, []string{"reason"}),
		MissingStopSequence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_missing_stop_sequence_total",
			Help: "Total stop time updates observed without a stop_sequence.",
		}),
		BunchingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_bunching_events_total",
			Help: "Total bunching events emitted.",
		}),
		TrackedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_bunching_tracked_pairs",
			Help: "Vehicle pairs currently holding proximity state.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ArtifactReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_artifact_reloads_total",
			Help: "Total calibration artifact reloads.",
		}),
		ArtifactReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_artifact_reload_errors_total",
			Help: "Total calibration artifact reload failures.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_cycle_duration_seconds",
			Help:    "Duration of one full poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		SaveErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_save_errors_total",
			Help: "Total persistence failures per sink.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		c.FeedFetchErrs, c.FeedDecodeErrs, c.RecordsDecoded,
		c.SegmentsComputed, c.SegmentsSaved, c.SegmentsDropped, c.MissingStopSequence,
		c.BunchingEvents, c.TrackedPairs,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.ArtifactReloads, c.ArtifactReloadErrs,
		c.CycleDuration, c.SaveErrs,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
