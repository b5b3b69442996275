// Package metrics exposes Prometheus counters, gauges, and histograms for
// the session/world server, scraped via the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "world_connections_total",
		Help: "Total number of connections accepted.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "world_connections_active",
		Help: "Current number of open connections.",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "world_connections_rejected_total",
		Help: "Connections rejected before admission, by reason.",
	}, []string{"reason"})

	ParticipantsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "world_participants_active",
		Help: "Current admitted participant count per world.",
	}, []string{"world"})

	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "world_handshakes_total",
		Help: "Handshake outcomes by result.",
	}, []string{"result"})

	EditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "world_edits_total",
		Help: "Block edit requests by outcome (accepted, or reject reason).",
	}, []string{"outcome"})

	EditApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "world_edit_apply_duration_seconds",
		Help:    "Latency of the edit arbiter's apply pipeline.",
		Buckets: prometheus.DefBuckets,
	})

	SectionsStreamedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "world_sections_streamed_total",
		Help: "Total SECTION_DATA frames sent to clients.",
	})

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "world_tick_duration_seconds",
		Help:    "Time to build and broadcast one tick across all worlds.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	PersistenceFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "world_persistence_flush_duration_seconds",
		Help:    "Time to flush one world's dirty sections to the store.",
		Buckets: prometheus.DefBuckets,
	})
	PersistenceFlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "world_persistence_flush_failures_total",
		Help: "Persistence flush attempts that failed and left sections dirty.",
	})
	SectionsFlushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "world_sections_flushed_total",
		Help: "Total sections successfully upserted to the store.",
	})
	DirtySections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "world_dirty_sections",
		Help: "Current count of sections awaiting persistence, per world.",
	}, []string{"world"})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "world_store_errors_total",
		Help: "Store adapter errors by operation.",
	}, []string{"operation"})

	ProcessMemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "world_process_memory_mb",
		Help: "Resident memory of this server process, in MiB.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		ParticipantsActive,
		HandshakesTotal,
		EditsTotal,
		EditApplyDuration,
		SectionsStreamedTotal,
		TickDuration,
		PersistenceFlushDuration,
		PersistenceFlushFailures,
		SectionsFlushedTotal,
		DirtySections,
		StoreErrors,
		ProcessMemoryMB,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
