package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ingest_requests_total",
			Help: "Ingestion calls by outcome.",
		},
		[]string{"status", "protocol"},
	)
	IngestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_ingest_duration_seconds",
			Help:    "Ingestion call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)
	EventsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_stored_total",
			Help: "Normalized events persisted.",
		},
		[]string{"protocol"},
	)
	EventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_rejected_total",
			Help: "Events excluded by validation.",
		},
		[]string{"protocol"},
	)
	AnomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_gnss_anomalies_total",
			Help: "GNSS anomalies recorded by type.",
		},
		[]string{"type"},
	)
	AlertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_total",
			Help: "Policy alerts raised by severity.",
		},
		[]string{"severity"},
	)
	ChannelDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_channel_drops_total",
			Help: "Messages dropped because a dispatcher channel was full.",
		},
		[]string{"channel"},
	)
	StoreFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_store_failures_total",
			Help: "Failed store writes by pipeline stage.",
		},
		[]string{"stage"},
	)
	ReplayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_replay_total",
			Help: "Replayed raw messages by outcome.",
		},
		[]string{"status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		IngestRequests, IngestLatency, EventsStored, EventsRejected,
		AnomaliesDetected, AlertsTriggered, ChannelDrops, StoreFailures,
		ReplayOutcomes, httpRequests, httpLatency,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records count and latency per route. route should be the
// route template, not the raw path, to keep label cardinality bounded.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, route, status).Inc()
		httpLatency.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
