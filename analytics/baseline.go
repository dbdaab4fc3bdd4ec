package analytics

import (
	"context"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BaselineRequest asks for summary statistics of one metric series
type BaselineRequest struct {
	Metric        string
	Service       string
	WindowMinutes int
	BucketMinutes int
}

// BaselineStats summarises the buckets a detection would see
type BaselineStats struct {
	MetricName  string    `json:"metric_name"`
	Service     string    `json:"service,omitempty"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	MinValue    float64   `json:"min_value"`
	MaxValue    float64   `json:"max_value"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Baseline returns population statistics for the requested series
func (e *Engine) Baseline(ctx context.Context, req BaselineRequest) (BaselineStats, error) {
	if err := ValidateWindow(req.WindowMinutes, req.BucketMinutes); err != nil {
		return BaselineStats{}, err
	}
	if err := validateMetric(req.Metric); err != nil {
		return BaselineStats{}, err
	}

	series, err := e.fetch(ctx, req.Metric, req.Service, req.WindowMinutes, req.BucketMinutes)
	if err != nil {
		return BaselineStats{}, err
	}
	return ComputeBaseline(series, e.now().UTC()), nil
}

// ComputeBaseline summarises series; an empty series yields zero statistics.
func ComputeBaseline(series Series, at time.Time) BaselineStats {
	stats := BaselineStats{
		MetricName:  series.Metric,
		Service:     series.Service,
		SampleCount: len(series.Buckets),
		LastUpdated: at,
	}
	if len(series.Buckets) == 0 {
		return stats
	}

	values := series.values()
	stats.Mean, stats.StdDev = stat.PopMeanStdDev(values, nil)
	stats.MinValue = floats.Min(values)
	stats.MaxValue = floats.Max(values)
	return stats
}
