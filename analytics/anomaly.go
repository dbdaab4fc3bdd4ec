package analytics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"log-anomaly-engine/storage"
)

// ErrInvalidConfig is returned when a request or detector configuration is
// rejected before any detector runs.
var ErrInvalidConfig = errors.New("invalid detection configuration")

// DeviationSentinel is reported as deviation_percent when the baseline is zero
const DeviationSentinel = 1e6

// AnomalyType classifies the direction of a deviation
type AnomalyType string

const (
	AnomalySpike         AnomalyType = "spike"
	AnomalyDrop          AnomalyType = "drop"
	AnomalyPatternChange AnomalyType = "pattern_change"
)

// Anomaly is a single detection. Values are never mutated after construction.
type Anomaly struct {
	DetectedAt       time.Time   `json:"detected_at"`
	MetricName       string      `json:"metric_name"`
	Service          string      `json:"service,omitempty"`
	AnomalyType      AnomalyType `json:"anomaly_type"`
	Description      string      `json:"description"`
	Score            float64     `json:"score"`
	Severity         Severity    `json:"severity"`
	ActualValue      float64     `json:"actual_value"`
	ExpectedValue    float64     `json:"expected_value"`
	DeviationPercent float64     `json:"deviation_percent"`
	Detector         string      `json:"detector,omitempty"`
}

// Series is the input of a detection run: one metric for one service
type Series struct {
	Metric     string
	Service    string
	Resolution time.Duration
	Buckets    []storage.TimeBucket
}

func (s Series) values() []float64 {
	out := make([]float64, len(s.Buckets))
	for i, b := range s.Buckets {
		out[i] = b.Value
	}
	return out
}

// DeviationPercent returns (actual-expected)/expected*100, substituting a
// signed finite sentinel when expected is zero.
func DeviationPercent(actual, expected float64) float64 {
	if expected == 0 {
		switch {
		case actual > 0:
			return DeviationSentinel
		case actual < 0:
			return -DeviationSentinel
		default:
			return 0
		}
	}
	return (actual - expected) / math.Abs(expected) * 100
}

// newAnomaly builds a classified anomaly for bucket idx of series
func newAnomaly(series Series, idx int, typ AnomalyType, score, expected float64, detector string) Anomaly {
	bucket := series.Buckets[idx]
	deviation := DeviationPercent(bucket.Value, expected)

	a := Anomaly{
		DetectedAt:       bucket.Timestamp,
		MetricName:       series.Metric,
		Service:          series.Service,
		AnomalyType:      typ,
		Score:            score,
		ActualValue:      bucket.Value,
		ExpectedValue:    expected,
		DeviationPercent: deviation,
		Detector:         detector,
	}
	a.Severity = Classify(score, deviation)
	a.Description = describe(a)
	return a
}

func describe(a Anomaly) string {
	scope := a.Service
	if scope == "" {
		scope = "all services"
	}
	return fmt.Sprintf("%s %s: %.2f (expected ~%.2f, %+.1f%%) for %s",
		a.MetricName, a.AnomalyType, a.ActualValue, a.ExpectedValue, a.DeviationPercent, scope)
}

// degenerate reports whether std is too small to use as a divisor
func degenerate(std, mean float64) bool {
	return std <= 1e-9*math.Max(1, math.Abs(mean))
}

// BaselineMode selects how the statistical detector builds its expectation
type BaselineMode string

const (
	// BaselineInclusive computes mean and deviation over the full series,
	// including the evaluated bucket.
	BaselineInclusive BaselineMode = "inclusive"
	// BaselineLeaveOneOut excludes the evaluated bucket from its own baseline.
	BaselineLeaveOneOut BaselineMode = "leave_one_out"
)

// StatisticalConfig tunes the z-score detector
type StatisticalConfig struct {
	Sensitivity float64      `json:"sensitivity"`
	MinSamples  int          `json:"min_samples"`
	Baseline    BaselineMode `json:"baseline"`
}

// TrendConfig tunes the moving-average detector
type TrendConfig struct {
	WindowSize   int     `json:"window_size"`
	Multiplier   float64 `json:"multiplier"`
	MinDeviation float64 `json:"min_deviation"`
}

// PatternConfig tunes the isolation forest detector
type PatternConfig struct {
	Contamination float64 `json:"contamination"`
	MinSamples    int     `json:"min_samples"`
	Trees         int     `json:"trees"`
	SampleSize    int     `json:"sample_size"`
	Seed          int64   `json:"seed"`
}

// Config carries every detector's settings for one request
type Config struct {
	Statistical StatisticalConfig `json:"statistical"`
	Trend       TrendConfig       `json:"trend"`
	Pattern     PatternConfig     `json:"pattern"`
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		Statistical: StatisticalConfig{
			Sensitivity: 1.0,
			MinSamples:  5,
			Baseline:    BaselineInclusive,
		},
		Trend: TrendConfig{
			WindowSize:   5,
			Multiplier:   2.0,
			MinDeviation: 1.0,
		},
		Pattern: PatternConfig{
			Contamination: 0.1,
			MinSamples:    10,
			Trees:         100,
			SampleSize:    256,
			Seed:          42,
		},
	}
}

// Validate checks every detector setting. Comparisons are written so that
// NaN fails them.
func (c Config) Validate() error {
	s := c.Statistical
	if !(s.Sensitivity > 0 && s.Sensitivity <= 10) {
		return fmt.Errorf("%w: sensitivity %.3f outside (0, 10]", ErrInvalidConfig, s.Sensitivity)
	}
	if s.MinSamples < 2 {
		return fmt.Errorf("%w: statistical min samples must be at least 2", ErrInvalidConfig)
	}
	if s.Baseline != BaselineInclusive && s.Baseline != BaselineLeaveOneOut {
		return fmt.Errorf("%w: unknown baseline mode %q", ErrInvalidConfig, s.Baseline)
	}

	tr := c.Trend
	if tr.WindowSize < 2 {
		return fmt.Errorf("%w: trend window must be at least 2", ErrInvalidConfig)
	}
	if !(tr.Multiplier > 0) || math.IsInf(tr.Multiplier, 0) {
		return fmt.Errorf("%w: trend multiplier must be positive", ErrInvalidConfig)
	}
	if !(tr.MinDeviation > 0) || math.IsInf(tr.MinDeviation, 0) {
		return fmt.Errorf("%w: trend minimum deviation must be positive", ErrInvalidConfig)
	}

	p := c.Pattern
	if !(p.Contamination > 0 && p.Contamination <= 0.5) {
		return fmt.Errorf("%w: contamination %.3f outside (0, 0.5]", ErrInvalidConfig, p.Contamination)
	}
	if p.MinSamples < 2 {
		return fmt.Errorf("%w: pattern min samples must be at least 2", ErrInvalidConfig)
	}
	if p.Trees <= 0 || p.SampleSize < 2 {
		return fmt.Errorf("%w: forest needs positive trees and sample size >= 2", ErrInvalidConfig)
	}
	return nil
}
