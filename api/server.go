package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"log-anomaly-engine/analytics"
	"log-anomaly-engine/auth"
	"log-anomaly-engine/ingestion"
	"log-anomaly-engine/metrics"
	"log-anomaly-engine/storage"
)

// Request bounds for detection endpoints
const (
	DefaultWindowMinutes = 60
	MinWindowMinutes     = 10
	MaxWindowMinutes     = 1440
	maxBodyBytes         = 4 << 20
)

var tracer = otel.Tracer("api")

// StorageReader is the part of the storage engine the API reports on
type StorageReader interface {
	ListSeries() []storage.SeriesInfo
	GetStorageStats() storage.StorageStats
	Healthy(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router          *mux.Router
	engine          *analytics.Engine
	streamProcessor *ingestion.StreamProcessor
	storage         StorageReader
	log             logrus.FieldLogger
	jwt             *auth.JWT
	limiter         *clientLimiter
	startTime       time.Time
}

// Option configures optional server middleware
type Option func(*Server)

// WithAuth requires a valid bearer token on every /api/v1 route
func WithAuth(j *auth.JWT) Option {
	return func(s *Server) { s.jwt = j }
}

// WithRateLimit limits each client address on /api/v1 routes. Requests from
// trustedProxies are keyed by X-Forwarded-For or X-Real-IP instead.
func WithRateLimit(requestsPerMinute, burst int, trustedProxies ...netip.Prefix) Option {
	return func(s *Server) { s.limiter = newClientLimiter(requestsPerMinute, burst, trustedProxies) }
}

// NewServer creates a new API server
func NewServer(engine *analytics.Engine, sp *ingestion.StreamProcessor, store StorageReader, log logrus.FieldLogger, opts ...Option) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		router:          mux.NewRouter(),
		engine:          engine,
		streamProcessor: sp,
		storage:         store,
		log:             log,
		startTime:       time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(requestID, accessLog(s.log))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	api := s.router.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.middleware)
	}
	if s.jwt != nil {
		api.Use(s.jwt.Middleware)
	}

	// Ingestion
	api.HandleFunc("/logs", s.ingestLog).Methods("POST")
	api.HandleFunc("/logs/batch", s.ingestBatch).Methods("POST")
	api.HandleFunc("/logs/raw", s.ingestRaw).Methods("POST")

	// Detection
	api.HandleFunc("/anomaly/detect/log-volume", s.detectHandler(storage.MetricLogVolume)).Methods("GET")
	api.HandleFunc("/anomaly/detect/error-rate", s.detectHandler(storage.MetricErrorRate)).Methods("GET")
	api.HandleFunc("/anomaly/report", s.report).Methods("GET")
	api.HandleFunc("/anomaly/baseline", s.baseline).Methods("GET")

	// System
	api.HandleFunc("/series", s.listSeries).Methods("GET")
	api.HandleFunc("/stats", s.getStats).Methods("GET")

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/", s.rootHandler).Methods("GET")
}

// BatchRequest is the body of POST /api/v1/logs/batch
type BatchRequest struct {
	Events []ingestion.LogEvent `json:"events"`
}

// DetectResponse is returned by the per-metric detection endpoints
type DetectResponse struct {
	Metric        string              `json:"metric"`
	Service       string              `json:"service,omitempty"`
	WindowMinutes int                 `json:"window_minutes"`
	BucketMinutes int                 `json:"bucket_minutes"`
	Anomalies     []analytics.Anomaly `json:"anomalies"`
	Count         int                 `json:"count"`
}

// SeriesListResponse represents the series list response
type SeriesListResponse struct {
	Series []storage.SeriesInfo `json:"series"`
	Count  int                  `json:"count"`
}

// StatsResponse represents system statistics
type StatsResponse struct {
	Storage   storage.StorageStats `json:"storage"`
	Ingestion struct {
		ingestion.Stats
		BufferSize int  `json:"buffer_size"`
		IsRunning  bool `json:"is_running"`
	} `json:"ingestion"`
	System struct {
		StartTime time.Time `json:"start_time"`
		Uptime    string    `json:"uptime"`
	} `json:"system"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps analytics errors to status codes
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, analytics.ErrInvalidConfig) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.WithError(err).WithField("request_id", RequestIDFrom(r.Context())).Error("Detection failed")
	writeError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) ingestLog(w http.ResponseWriter, r *http.Request) {
	var event ingestion.LogEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := s.streamProcessor.Ingest(r.Context(), event); err != nil {
		if errors.Is(err, ingestion.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":    "accepted",
		"timestamp": event.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	now := time.Now().UTC()
	for i := range req.Events {
		if req.Events[i].Timestamp.IsZero() {
			req.Events[i].Timestamp = now
		}
	}
	s.writeBatchResult(w, s.streamProcessor.IngestBatch(r.Context(), req.Events))
}

// ingestRaw accepts newline-separated plain-text log lines
func (s *Server) ingestRaw(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	s.writeBatchResult(w, s.streamProcessor.IngestLines(r.Context(), string(body)))
}

func (s *Server) writeBatchResult(w http.ResponseWriter, result ingestion.BatchResult) {
	status := http.StatusCreated
	if result.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

// windowParams reads window_minutes and bucket_minutes with their defaults
func windowParams(r *http.Request) (window, bucket int, err error) {
	q := r.URL.Query()
	window, bucket = DefaultWindowMinutes, 1

	if v := q.Get("window_minutes"); v != "" {
		if window, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("invalid window_minutes: %q", v)
		}
	}
	if window < MinWindowMinutes || window > MaxWindowMinutes {
		return 0, 0, fmt.Errorf("window_minutes must be between %d and %d", MinWindowMinutes, MaxWindowMinutes)
	}

	if v := q.Get("bucket_minutes"); v != "" {
		if bucket, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("invalid bucket_minutes: %q", v)
		}
	}
	if bucket < 1 || bucket > window {
		return 0, 0, fmt.Errorf("bucket_minutes must be between 1 and window_minutes")
	}
	return window, bucket, nil
}

// configOverride returns a per-request config when sensitivity is given
func (s *Server) configOverride(r *http.Request) (*analytics.Config, error) {
	v := r.URL.Query().Get("sensitivity")
	if v == "" {
		return nil, nil
	}
	sensitivity, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid sensitivity: %q", v)
	}
	cfg := s.engine.Config()
	cfg.Statistical.Sensitivity = sensitivity
	return &cfg, nil
}

func (s *Server) detectHandler(metric string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "detect", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		window, bucket, err := windowParams(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cfg, err := s.configOverride(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		service := r.URL.Query().Get("service")
		span.SetAttributes(attribute.String("metric", metric), attribute.String("service", service))

		anomalies, err := s.engine.DetectMetric(ctx, analytics.DetectRequest{
			Metric:        metric,
			Service:       service,
			WindowMinutes: window,
			BucketMinutes: bucket,
			Config:        cfg,
		})
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, DetectResponse{
			Metric:        metric,
			Service:       service,
			WindowMinutes: window,
			BucketMinutes: bucket,
			Anomalies:     anomalies,
			Count:         len(anomalies),
		})
	}
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "report", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	window, bucket, err := windowParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.configOverride(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var names []string
	if v := r.URL.Query().Get("metrics"); v != "" {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				names = append(names, m)
			}
		}
	}

	report, err := s.engine.BuildReport(ctx, analytics.ReportRequest{
		Service:       r.URL.Query().Get("service"),
		Metrics:       names,
		WindowMinutes: window,
		BucketMinutes: bucket,
		Config:        cfg,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) baseline(w http.ResponseWriter, r *http.Request) {
	window, bucket, err := windowParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = storage.MetricLogVolume
	}

	stats, err := s.engine.Baseline(r.Context(), analytics.BaselineRequest{
		Metric:        metric,
		Service:       r.URL.Query().Get("service"),
		WindowMinutes: window,
		BucketMinutes: bucket,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	series := s.storage.ListSeries()
	if series == nil {
		series = []storage.SeriesInfo{}
	}
	writeJSON(w, http.StatusOK, SeriesListResponse{Series: series, Count: len(series)})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	var response StatsResponse
	response.Storage = s.storage.GetStorageStats()
	response.Ingestion.Stats = s.streamProcessor.GetStats()
	response.Ingestion.BufferSize = s.streamProcessor.GetBufferSize()
	response.Ingestion.IsRunning = s.streamProcessor.IsRunning()
	response.System.StartTime = s.startTime
	response.System.Uptime = time.Since(s.startTime).Round(time.Second).String()

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{"storage": "healthy", "ingestion": "healthy"}
	status := http.StatusOK

	if err := s.storage.Healthy(r.Context()); err != nil {
		s.log.WithError(err).Warn("Storage health check failed")
		services["storage"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if !s.streamProcessor.IsRunning() {
		services["ingestion"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"services":  services,
	})
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "Log Anomaly Engine",
		"version":     "0.1.0",
		"description": "Real-time anomaly detection over log-derived time series",
		"endpoints": map[string]string{
			"POST /api/v1/logs":                      "Ingest one JSON log event",
			"POST /api/v1/logs/batch":                "Ingest a batch of JSON log events",
			"POST /api/v1/logs/raw":                  "Ingest plain-text log lines",
			"GET  /api/v1/anomaly/detect/log-volume": "Detect log volume anomalies",
			"GET  /api/v1/anomaly/detect/error-rate": "Detect error rate anomalies",
			"GET  /api/v1/anomaly/report":            "Ranked anomaly report",
			"GET  /api/v1/anomaly/baseline":          "Baseline statistics for a metric",
			"GET  /api/v1/series":                    "List counter series",
			"GET  /api/v1/stats":                     "System statistics",
			"GET  /health":                           "Health check",
			"GET  /metrics":                          "Prometheus metrics",
		},
	})
}
