package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"log-anomaly-engine/metrics"
	"log-anomaly-engine/storage"
)

// MaxWindowMinutes bounds a single request to one week of buckets
const MaxWindowMinutes = 1440 * 7

var tracer = otel.Tracer("analytics")

// SeriesSource produces zero-filled, ascending bucket series
type SeriesSource interface {
	FetchSeries(ctx context.Context, metric, service string, windowMinutes, bucketMinutes int) ([]storage.TimeBucket, error)
}

// DetectRequest asks for the anomalies of one metric. A nil Config uses the
// engine defaults.
type DetectRequest struct {
	Metric        string
	Service       string
	WindowMinutes int
	BucketMinutes int
	Config        *Config
}

// ReportRequest asks for a report across metrics. Empty Metrics means all
// known metrics.
type ReportRequest struct {
	Service       string
	Metrics       []string
	WindowMinutes int
	BucketMinutes int
	Config        *Config
}

// AnomalyReport is the ranked result of one report request
type AnomalyReport struct {
	PeriodStart         time.Time        `json:"period_start"`
	PeriodEnd           time.Time        `json:"period_end"`
	Anomalies           []Anomaly        `json:"anomalies"`
	TotalAnomalies      int              `json:"total_anomalies"`
	AnomaliesBySeverity map[Severity]int `json:"anomalies_by_severity"`
	AnomaliesByService  map[string]int   `json:"anomalies_by_service"`
}

// Engine runs the detectors over series pulled from a SeriesSource.
// It keeps no state between requests and is safe for concurrent use.
type Engine struct {
	source    SeriesSource
	config    Config
	detectors []AnomalyDetector
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewEngine creates an engine with the three default detectors
func NewEngine(source SeriesSource, config Config, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		source:    source,
		config:    config,
		detectors: DefaultDetectors(),
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for report periods
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Config returns a copy of the engine defaults
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) resolve(override *Config) (Config, error) {
	cfg := e.config
	if override != nil {
		cfg = *override
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateWindow checks window and bucket sizes in minutes
func ValidateWindow(windowMinutes, bucketMinutes int) error {
	if windowMinutes <= 0 || bucketMinutes <= 0 {
		return fmt.Errorf("%w: window and bucket must be positive (got %d, %d)", ErrInvalidConfig, windowMinutes, bucketMinutes)
	}
	if bucketMinutes > windowMinutes {
		return fmt.Errorf("%w: bucket of %d minutes exceeds window of %d", ErrInvalidConfig, bucketMinutes, windowMinutes)
	}
	if windowMinutes > MaxWindowMinutes {
		return fmt.Errorf("%w: window of %d minutes exceeds %d", ErrInvalidConfig, windowMinutes, MaxWindowMinutes)
	}
	return nil
}

func validateMetric(metric string) error {
	if !storage.KnownMetric(metric) {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, metric)
	}
	return nil
}

// DetectMetric fetches one series and returns its merged, ranked anomalies
func (e *Engine) DetectMetric(ctx context.Context, req DetectRequest) ([]Anomaly, error) {
	ctx, span := tracer.Start(ctx, "DetectMetric")
	defer span.End()
	span.SetAttributes(
		attribute.String("metric", req.Metric),
		attribute.String("service", req.Service),
		attribute.Int("window_minutes", req.WindowMinutes),
	)

	cfg, err := e.resolve(req.Config)
	if err == nil {
		err = ValidateWindow(req.WindowMinutes, req.BucketMinutes)
	}
	if err == nil {
		err = validateMetric(req.Metric)
	}
	if err != nil {
		metrics.DetectionRuns.WithLabelValues(req.Metric, "invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	series, err := e.fetch(ctx, req.Metric, req.Service, req.WindowMinutes, req.BucketMinutes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	anomalies := e.Analyze(ctx, series, cfg)
	SortAnomalies(anomalies)
	for _, a := range anomalies {
		metrics.ReportedAnomalies.WithLabelValues(a.MetricName, string(a.Severity)).Inc()
	}
	span.SetAttributes(attribute.Int("anomalies", len(anomalies)))
	return anomalies, nil
}

// uniqueMetrics drops repeated names, keeping first-seen order.
func uniqueMetrics(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// BuildReport runs detection over every requested metric and assembles
// a ranked report with severity and service breakdowns.
func (e *Engine) BuildReport(ctx context.Context, req ReportRequest) (AnomalyReport, error) {
	ctx, span := tracer.Start(ctx, "BuildReport")
	defer span.End()

	names := uniqueMetrics(req.Metrics)
	if len(names) == 0 {
		names = []string{storage.MetricLogVolume, storage.MetricErrorRate}
	}

	cfg, err := e.resolve(req.Config)
	if err == nil {
		err = ValidateWindow(req.WindowMinutes, req.BucketMinutes)
	}
	for _, m := range names {
		if err == nil {
			err = validateMetric(m)
		}
	}
	if err != nil {
		metrics.DetectionRuns.WithLabelValues("report", "invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return AnomalyReport{}, err
	}

	end := e.now().UTC()
	start := end.Add(-time.Duration(req.WindowMinutes) * time.Minute)

	series := make([]Series, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			s, err := e.fetch(gctx, name, req.Service, req.WindowMinutes, req.BucketMinutes)
			if err != nil {
				return err
			}
			series[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return AnomalyReport{}, err
	}

	var all []Anomaly
	for _, s := range series {
		all = append(all, e.Analyze(ctx, s, cfg)...)
	}

	report := NewReport(start, end, all)
	for _, a := range report.Anomalies {
		metrics.ReportedAnomalies.WithLabelValues(a.MetricName, string(a.Severity)).Inc()
	}
	span.SetAttributes(attribute.Int("anomalies", report.TotalAnomalies))

	e.log.WithFields(logrus.Fields{
		"service":   req.Service,
		"window":    req.WindowMinutes,
		"anomalies": report.TotalAnomalies,
	}).Info("Anomaly report built")

	return report, nil
}

func (e *Engine) fetch(ctx context.Context, metric, service string, windowMinutes, bucketMinutes int) (Series, error) {
	buckets, err := e.source.FetchSeries(ctx, metric, service, windowMinutes, bucketMinutes)
	if err != nil {
		metrics.DetectionRuns.WithLabelValues(metric, "fetch_error").Inc()
		e.log.WithError(err).WithField("metric", metric).Warn("Series fetch failed")
		return Series{}, fmt.Errorf("fetch %s series: %w", metric, err)
	}
	return Series{
		Metric:     metric,
		Service:    service,
		Resolution: time.Duration(bucketMinutes) * time.Minute,
		Buckets:    buckets,
	}, nil
}

// Analyze runs every detector over series concurrently and merges their
// output. Insufficient or flat data yields an empty, non-nil slice.
func (e *Engine) Analyze(ctx context.Context, series Series, cfg Config) []Anomaly {
	start := time.Now()

	results := make([][]Anomaly, len(e.detectors))
	var g errgroup.Group
	for i, d := range e.detectors {
		i, d := i, d
		g.Go(func() error {
			results[i] = d.Detect(series, cfg)
			return nil
		})
	}
	_ = g.Wait()

	var raw []Anomaly
	for i, d := range e.detectors {
		metrics.DetectorAnomalies.WithLabelValues(d.Name(), series.Metric).Add(float64(len(results[i])))
		raw = append(raw, results[i]...)
	}
	merged := Merge(raw, series.Resolution)

	metrics.DetectionRuns.WithLabelValues(series.Metric, "ok").Inc()
	metrics.DetectionDuration.WithLabelValues(series.Metric).Observe(time.Since(start).Seconds())

	e.log.WithFields(logrus.Fields{
		"metric":  series.Metric,
		"service": series.Service,
		"buckets": len(series.Buckets),
		"raw":     len(raw),
		"merged":  len(merged),
	}).Debug("Series analyzed")

	return merged
}

// NewReport sorts anomalies and computes the breakdown maps. Anomalies
// without a service are counted under storage.AllServices.
func NewReport(periodStart, periodEnd time.Time, anomalies []Anomaly) AnomalyReport {
	ranked := make([]Anomaly, len(anomalies))
	copy(ranked, anomalies)
	SortAnomalies(ranked)

	report := AnomalyReport{
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
		Anomalies:           ranked,
		TotalAnomalies:      len(ranked),
		AnomaliesBySeverity: make(map[Severity]int),
		AnomaliesByService:  make(map[string]int),
	}
	for _, a := range ranked {
		report.AnomaliesBySeverity[a.Severity]++
		service := a.Service
		if service == "" {
			service = storage.AllServices
		}
		report.AnomaliesByService[service]++
	}
	return report
}

// SortAnomalies orders by severity then |score| descending. Remaining ties
// are broken by newest detection, metric, service, detector priority and
// description so the order never depends on the input order.
func SortAnomalies(anomalies []Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if sa, sb := math.Abs(a.Score), math.Abs(b.Score); sa != sb {
			return sa > sb
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.After(b.DetectedAt)
		}
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if pa, pb := detectorPriority(a.Detector), detectorPriority(b.Detector); pa != pb {
			return pa > pb
		}
		return a.Description < b.Description
	})
}
