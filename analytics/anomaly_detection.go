package analytics

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Detector names, also used as the tie-break priority in the merger
const (
	DetectorStatistical = "statistical"
	DetectorTrend       = "trend"
	DetectorPattern     = "pattern"
)

// AnomalyDetector inspects one series and reports the buckets it considers
// anomalous. Implementations hold no state between calls.
type AnomalyDetector interface {
	Name() string
	Detect(series Series, cfg Config) []Anomaly
}

// DefaultDetectors returns the three detectors every request runs
func DefaultDetectors() []AnomalyDetector {
	return []AnomalyDetector{StatisticalDetector{}, TrendDetector{}, PatternDetector{}}
}

// StatisticalDetector flags buckets whose z-score against the series
// mean exceeds the configured sensitivity.
type StatisticalDetector struct{}

func (StatisticalDetector) Name() string { return DetectorStatistical }

func (d StatisticalDetector) Detect(series Series, cfg Config) []Anomaly {
	c := cfg.Statistical
	values := series.values()
	n := len(values)
	if n < c.MinSamples || n < 2 {
		return nil
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	// sum of squared deviations, downdated per point in leave-one-out mode
	m2 := std * std * float64(n)

	var anomalies []Anomaly
	for i, v := range values {
		mu, sigma := mean, std
		if c.Baseline == BaselineLeaveOneOut {
			mu, sigma = leaveOneOut(mean, m2, n, v)
		}
		if degenerate(sigma, mu) {
			continue
		}

		z := (v - mu) / sigma
		if math.Abs(z) <= c.Sensitivity {
			continue
		}

		typ := AnomalyDrop
		if v > mu {
			typ = AnomalySpike
		}
		anomalies = append(anomalies, newAnomaly(series, i, typ, math.Abs(z), mu, d.Name()))
	}
	return anomalies
}

// leaveOneOut removes x from a population of n values with the given mean
// and sum of squared deviations, returning the remaining mean and std.
func leaveOneOut(mean, m2 float64, n int, x float64) (float64, float64) {
	rest := float64(n - 1)
	mu := (mean*float64(n) - x) / rest
	m2 -= (x - mean) * (x - mu)
	if m2 < 0 {
		m2 = 0
	}
	return mu, math.Sqrt(m2 / rest)
}

// TrendDetector compares each bucket with the mean of the window of buckets
// immediately before it.
type TrendDetector struct{}

func (TrendDetector) Name() string { return DetectorTrend }

func (d TrendDetector) Detect(series Series, cfg Config) []Anomaly {
	c := cfg.Trend
	values := series.values()
	if c.WindowSize < 1 || len(values) <= c.WindowSize {
		return nil
	}

	var anomalies []Anomaly
	for i := c.WindowSize; i < len(values); i++ {
		mean, std := stat.PopMeanStdDev(values[i-c.WindowSize:i], nil)

		// a flat trailing window falls back to the absolute floor
		scale, threshold := std, c.Multiplier*std
		if degenerate(std, mean) {
			scale, threshold = c.MinDeviation, c.MinDeviation
		}

		deviation := values[i] - mean
		if math.Abs(deviation) <= threshold {
			continue
		}

		typ := AnomalyDrop
		if deviation > 0 {
			typ = AnomalySpike
		}
		anomalies = append(anomalies, newAnomaly(series, i, typ, math.Abs(deviation)/scale, mean, d.Name()))
	}
	return anomalies
}
