package storage

import (
	"context"
	"fmt"
	"time"
)

// Metric names served by the aggregator
const (
	MetricLogVolume = "log_volume"
	MetricErrorRate = "error_rate"
)

// KnownMetric reports whether the aggregator can produce the named metric
func KnownMetric(metric string) bool {
	return metric == MetricLogVolume || metric == MetricErrorRate
}

// Aggregator turns raw minute counters into fixed-interval bucket series.
// Every interval in the window is present in the result; intervals without
// events are reported as explicit zeros.
type Aggregator struct {
	reader CounterReader
	now    func() time.Time
}

// NewAggregator creates an aggregator reading from the given counter store
func NewAggregator(reader CounterReader) *Aggregator {
	return &Aggregator{reader: reader, now: time.Now}
}

// WithClock replaces the aggregator's time source
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// FetchSeries returns the bucketed series for metric over the trailing window.
// An empty service selects the aggregate across all services.
func (a *Aggregator) FetchSeries(ctx context.Context, metric, service string, windowMinutes, bucketMinutes int) ([]TimeBucket, error) {
	if !KnownMetric(metric) {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	if windowMinutes <= 0 || bucketMinutes <= 0 {
		return nil, fmt.Errorf("window and bucket must be positive (window=%d, bucket=%d)", windowMinutes, bucketMinutes)
	}

	if service == "" {
		service = AllServices
	}

	bucket := time.Duration(bucketMinutes) * time.Minute
	count := (windowMinutes + bucketMinutes - 1) / bucketMinutes

	last := a.now().Truncate(bucket)
	first := last.Add(-time.Duration(count-1) * bucket)
	end := last.Add(bucket)

	minutes, err := a.reader.ReadCounts(ctx, service, first, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read counts for %s: %w", service, err)
	}

	totals := make([]Counts, count)
	for minute, c := range minutes {
		idx := int(time.Unix(minute, 0).Sub(first) / bucket)
		if idx < 0 || idx >= count {
			continue
		}
		totals[idx] = totals[idx].Add(c)
	}

	buckets := make([]TimeBucket, count)
	for i, c := range totals {
		buckets[i] = TimeBucket{
			Timestamp: first.Add(time.Duration(i) * bucket).UTC(),
			Value:     metricValue(metric, c),
		}
	}

	return buckets, nil
}

// metricValue derives the metric's value for one bucket
func metricValue(metric string, c Counts) float64 {
	switch metric {
	case MetricErrorRate:
		if c.Total == 0 {
			return 0
		}
		return float64(c.Errors) / float64(c.Total) * 100
	default:
		return float64(c.Total)
	}
}
