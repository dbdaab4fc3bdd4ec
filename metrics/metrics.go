package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DetectionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lae_detection_runs_total", Help: "Detection runs by metric and outcome"},
		[]string{"metric", "outcome"},
	)
	DetectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lae_detection_duration_seconds",
			Help:    "Time spent running the detectors over one series",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"metric"},
	)
	DetectorAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lae_detector_anomalies_total", Help: "Raw anomalies emitted per detector before merge"},
		[]string{"detector", "metric"},
	)
	ReportedAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lae_reported_anomalies_total", Help: "Anomalies returned after merge"},
		[]string{"metric", "severity"},
	)
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lae_events_ingested_total", Help: "Log events accepted by the stream processor"},
		[]string{"level"},
	)
	IngestErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "lae_ingest_errors_total", Help: "Log events rejected or failed to store"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lae_http_requests_total", Help: "HTTP requests by route and status"},
		[]string{"method", "route", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "lae_http_request_duration_seconds", Help: "HTTP request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector with the default registry.
// Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DetectionRuns, DetectionDuration, DetectorAnomalies, ReportedAnomalies,
			EventsIngested, IngestErrors, HTTPRequests, HTTPDuration,
		)
	})
}

func Handler() http.Handler { return promhttp.Handler() }
