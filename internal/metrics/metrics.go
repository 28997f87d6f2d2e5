// Package metrics holds the process-wide Prometheus registry and the named
// instruments the ingest pipeline records into. A single Registry instance is
// created in main and threaded through the server, the handler chain, and the
// instrumented store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// storeExecBuckets are the fixed latency buckets for store operations, in
// seconds. Sub-millisecond sqlite writes land in the first bucket; a stuck
// postgres pool shows up past the last.
var storeExecBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Registry owns all instruments and the underlying Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	// StreamsTotal counts inbound event streams accepted by the server.
	StreamsTotal prometheus.Counter

	// ActiveStreams tracks streams currently open.
	ActiveStreams prometheus.Gauge

	// StreamErrors counts streams terminated with an error, labeled by the
	// RPC status code name.
	StreamErrors *prometheus.CounterVec

	// HandlerErrors counts event-handler failures, labeled by handler name.
	HandlerErrors *prometheus.CounterVec

	// StoreExecTotal counts store operations, labeled by operation name.
	StoreExecTotal *prometheus.CounterVec

	// StoreExecInflight tracks store operations currently executing.
	StoreExecInflight prometheus.Gauge

	// StoreExecDuration observes store operation latency, labeled by
	// operation name.
	StoreExecDuration *prometheus.HistogramVec

	// EventsTotal counts decoded build events, labeled by payload name.
	EventsTotal *prometheus.CounterVec

	// NotifyTotal counts completion notifications, labeled by outcome.
	NotifyTotal *prometheus.CounterVec
}

// NewRegistry creates a registry with all instruments registered, plus the
// standard Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildlog_streams_total",
			Help: "Total inbound build event streams accepted.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildlog_active_streams",
			Help: "Build event streams currently open.",
		}),
		StreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildlog_stream_errors_total",
			Help: "Streams terminated with an error, by RPC status code.",
		}, []string{"code"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildlog_handler_errors_total",
			Help: "Event handler failures, by handler.",
		}, []string{"handler"}),
		StoreExecTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildlog_store_exec_total",
			Help: "Store operations executed, by operation.",
		}, []string{"operation"}),
		StoreExecInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildlog_store_exec_inflight",
			Help: "Store operations currently executing.",
		}),
		StoreExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildlog_store_exec_duration_seconds",
			Help:    "Store operation latency.",
			Buckets: storeExecBuckets,
		}, []string{"operation"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildlog_events_total",
			Help: "Decoded build events, by payload.",
		}, []string{"payload"}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildlog_notify_total",
			Help: "Completion notifications, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.StreamsTotal,
		r.ActiveStreams,
		r.StreamErrors,
		r.HandlerErrors,
		r.StoreExecTotal,
		r.StoreExecInflight,
		r.StoreExecDuration,
		r.EventsTotal,
		r.NotifyTotal,
	)

	return r
}

// Handler returns the scrape endpoint handler. OpenMetrics negotiation is
// enabled so scrapers that ask for it get the newer text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
