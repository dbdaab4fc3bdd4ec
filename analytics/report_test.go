package analytics

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"log-anomaly-engine/storage"
)

type fakeSource struct {
	mu     sync.Mutex
	values map[string][]float64
	err    error
	calls  int
}

func (f *fakeSource) FetchSeries(_ context.Context, metric, _ string, _, bucketMinutes int) ([]storage.TimeBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	values := f.values[metric]
	buckets := make([]storage.TimeBucket, len(values))
	for i, v := range values {
		buckets[i] = storage.TimeBucket{
			Timestamp: seriesStart.Add(time.Duration(i*bucketMinutes) * time.Minute),
			Value:     v,
		}
	}
	return buckets, nil
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 14, 12, 30, 0, 0, time.UTC)
}

func scenarioSource() *fakeSource {
	return &fakeSource{values: map[string][]float64{
		storage.MetricLogVolume: {100, 105, 98, 102, 99, 3000, 101, 100, 103, 97, 100, 102},
		storage.MetricErrorRate: append(repeat(0.5, 20), 15, 15, 15),
	}}
}

func assertRanked(t *testing.T, anomalies []Anomaly) {
	t.Helper()
	for i := 1; i < len(anomalies); i++ {
		prev, cur := anomalies[i-1], anomalies[i]
		require.GreaterOrEqual(t, prev.Severity.Rank(), cur.Severity.Rank())
		if prev.Severity == cur.Severity {
			require.GreaterOrEqual(t, math.Abs(prev.Score), math.Abs(cur.Score))
		}
	}
}

func TestEngine_BuildReport(t *testing.T) {
	engine := NewEngine(scenarioSource(), DefaultConfig(), quietLogger()).WithClock(fixedNow)

	report, err := engine.BuildReport(context.Background(), ReportRequest{WindowMinutes: 60, BucketMinutes: 1})
	require.NoError(t, err)

	assert.Equal(t, fixedNow(), report.PeriodEnd)
	assert.Equal(t, fixedNow().Add(-time.Hour), report.PeriodStart)
	assert.Equal(t, len(report.Anomalies), report.TotalAnomalies)
	assert.NotZero(t, report.TotalAnomalies)
	assertRanked(t, report.Anomalies)

	bySeverity := 0
	for _, n := range report.AnomaliesBySeverity {
		bySeverity += n
	}
	assert.Equal(t, report.TotalAnomalies, bySeverity)
	assert.Equal(t, map[string]int{storage.AllServices: report.TotalAnomalies}, report.AnomaliesByService)

	errorRate := 0
	for _, a := range report.Anomalies {
		if a.MetricName == storage.MetricErrorRate {
			errorRate++
		}
	}
	assert.Equal(t, 3, errorRate)
}

func TestEngine_BuildReport_EmptySeries(t *testing.T) {
	engine := NewEngine(&fakeSource{}, DefaultConfig(), quietLogger())

	report, err := engine.BuildReport(context.Background(), ReportRequest{WindowMinutes: 60, BucketMinutes: 1})
	require.NoError(t, err)

	assert.Zero(t, report.TotalAnomalies)
	assert.NotNil(t, report.Anomalies)
	assert.NotNil(t, report.AnomaliesBySeverity)
	assert.NotNil(t, report.AnomaliesByService)
	assert.Empty(t, report.AnomaliesBySeverity)
	assert.Empty(t, report.AnomaliesByService)
}

func TestEngine_BuildReport_MetricSubset(t *testing.T) {
	source := scenarioSource()
	engine := NewEngine(source, DefaultConfig(), quietLogger())

	report, err := engine.BuildReport(context.Background(), ReportRequest{
		Metrics:       []string{storage.MetricErrorRate},
		WindowMinutes: 30,
		BucketMinutes: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	for _, a := range report.Anomalies {
		assert.Equal(t, storage.MetricErrorRate, a.MetricName)
	}
}

func TestEngine_BuildReport_RepeatedMetric(t *testing.T) {
	engine := NewEngine(scenarioSource(), DefaultConfig(), quietLogger()).WithClock(fixedNow)

	once, err := engine.BuildReport(context.Background(), ReportRequest{
		Metrics:       []string{storage.MetricLogVolume},
		WindowMinutes: 60,
		BucketMinutes: 1,
	})
	require.NoError(t, err)

	source := scenarioSource()
	engine = NewEngine(source, DefaultConfig(), quietLogger()).WithClock(fixedNow)
	twice, err := engine.BuildReport(context.Background(), ReportRequest{
		Metrics:       []string{storage.MetricLogVolume, storage.MetricLogVolume},
		WindowMinutes: 60,
		BucketMinutes: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	assert.NotZero(t, once.TotalAnomalies)
	assert.Equal(t, once.TotalAnomalies, twice.TotalAnomalies)
	assert.Equal(t, once.Anomalies, twice.Anomalies)
}

func TestNewReport_DeterministicOrdering(t *testing.T) {
	at := seriesStart
	input := []Anomaly{
		anomalyAt(at, SeverityLow, 1.2, DetectorTrend),
		anomalyAt(at.Add(time.Minute), SeverityCritical, 2.2, DetectorStatistical),
		anomalyAt(at.Add(2*time.Minute), SeverityHigh, 3.4, DetectorPattern),
		anomalyAt(at.Add(3*time.Minute), SeverityCritical, 2.2, DetectorTrend),
		anomalyAt(at.Add(4*time.Minute), SeverityCritical, 9.1, DetectorTrend),
		anomalyAt(at.Add(5*time.Minute), SeverityHigh, 3.4, DetectorStatistical),
	}
	reversed := make([]Anomaly, len(input))
	for i, a := range input {
		reversed[len(input)-1-i] = a
	}

	first := NewReport(at, at.Add(time.Hour), input)
	second := NewReport(at, at.Add(time.Hour), reversed)
	third := NewReport(at, at.Add(time.Hour), input)

	assert.Equal(t, first.Anomalies, second.Anomalies)
	assert.Equal(t, first.Anomalies, third.Anomalies)
	assertRanked(t, first.Anomalies)

	assert.Equal(t, 9.1, first.Anomalies[0].Score)
	// equal severity and score: newest first
	assert.Equal(t, at.Add(3*time.Minute), first.Anomalies[1].DetectedAt)
	assert.Equal(t, map[Severity]int{SeverityCritical: 3, SeverityHigh: 2, SeverityLow: 1}, first.AnomaliesBySeverity)
	assert.Equal(t, map[string]int{"payment-service": 6}, first.AnomaliesByService)

	// the input slice is left untouched
	assert.Equal(t, SeverityLow, input[0].Severity)
}

func TestEngine_InvalidConfiguration(t *testing.T) {
	badSensitivity := DefaultConfig()
	badSensitivity.Statistical.Sensitivity = 0
	badContamination := DefaultConfig()
	badContamination.Pattern.Contamination = 0.7
	badWindow := DefaultConfig()
	badWindow.Trend.WindowSize = 1
	nanSensitivity := DefaultConfig()
	nanSensitivity.Statistical.Sensitivity = math.NaN()
	nanContamination := DefaultConfig()
	nanContamination.Pattern.Contamination = math.NaN()
	infMultiplier := DefaultConfig()
	infMultiplier.Trend.Multiplier = math.Inf(1)
	nanFloor := DefaultConfig()
	nanFloor.Trend.MinDeviation = math.NaN()

	tests := []struct {
		name string
		req  DetectRequest
	}{
		{"zero window", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 0, BucketMinutes: 1}},
		{"negative bucket", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: -5}},
		{"bucket wider than window", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 10, BucketMinutes: 15}},
		{"window too long", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: MaxWindowMinutes + 1, BucketMinutes: 1}},
		{"unknown metric", DetectRequest{Metric: "cpu", WindowMinutes: 60, BucketMinutes: 1}},
		{"sensitivity", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &badSensitivity}},
		{"contamination", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &badContamination}},
		{"trend window", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &badWindow}},
		{"NaN sensitivity", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &nanSensitivity}},
		{"NaN contamination", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &nanContamination}},
		{"infinite multiplier", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &infMultiplier}},
		{"NaN trend floor", DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1, Config: &nanFloor}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := scenarioSource()
			engine := NewEngine(source, DefaultConfig(), quietLogger())

			_, err := engine.DetectMetric(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Zero(t, source.calls, "source must not be queried")

			_, err = engine.BuildReport(context.Background(), ReportRequest{
				Metrics:       []string{tt.req.Metric},
				WindowMinutes: tt.req.WindowMinutes,
				BucketMinutes: tt.req.BucketMinutes,
				Config:        tt.req.Config,
			})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestEngine_FetchFailurePropagates(t *testing.T) {
	boom := errors.New("upstream unavailable")
	engine := NewEngine(&fakeSource{err: boom}, DefaultConfig(), quietLogger())

	_, err := engine.DetectMetric(context.Background(), DetectRequest{Metric: storage.MetricErrorRate, WindowMinutes: 60, BucketMinutes: 1})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fetch error_rate series")
	assert.NotErrorIs(t, err, ErrInvalidConfig)

	_, err = engine.BuildReport(context.Background(), ReportRequest{WindowMinutes: 60, BucketMinutes: 1})
	assert.ErrorIs(t, err, boom)

	_, err = engine.Baseline(context.Background(), BaselineRequest{Metric: storage.MetricLogVolume, WindowMinutes: 60, BucketMinutes: 1})
	assert.ErrorIs(t, err, boom)
}

func TestEngine_DetectMetricSensitivityOverride(t *testing.T) {
	engine := NewEngine(scenarioSource(), DefaultConfig(), quietLogger())
	req := DetectRequest{Metric: storage.MetricLogVolume, WindowMinutes: 12, BucketMinutes: 1}

	loose, err := engine.DetectMetric(context.Background(), req)
	require.NoError(t, err)

	strict := engine.Config()
	strict.Statistical.Sensitivity = 9
	req.Config = &strict
	tight, err := engine.DetectMetric(context.Background(), req)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(loose), len(tight))
	assert.Equal(t, 1.0, engine.Config().Statistical.Sensitivity)
}

func TestEngine_ConcurrentRequests(t *testing.T) {
	engine := NewEngine(scenarioSource(), DefaultConfig(), quietLogger())

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := engine.BuildReport(context.Background(), ReportRequest{WindowMinutes: 60, BucketMinutes: 1})
			if err == nil {
				results[i] = report.TotalAnomalies
			}
		}(i)
	}
	wg.Wait()

	for _, n := range results {
		assert.Equal(t, results[0], n)
		assert.NotZero(t, n)
	}
}

func TestEngine_OverAggregator(t *testing.T) {
	hot := storage.NewHotStorage(10)
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC) }

	start := time.Date(2026, 10, 14, 11, 41, 0, 0, time.UTC)
	for i := 0; i < 19; i++ {
		require.NoError(t, hot.AddCounts(ctx, "api", start.Add(time.Duration(i)*time.Minute), storage.Counts{Total: 10}))
	}
	require.NoError(t, hot.AddCounts(ctx, "api", start.Add(19*time.Minute), storage.Counts{Total: 200, Errors: 40}))

	engine := NewEngine(storage.NewAggregator(hot).WithClock(clock), DefaultConfig(), quietLogger())

	anomalies, err := engine.DetectMetric(ctx, DetectRequest{Metric: storage.MetricLogVolume, Service: "api", WindowMinutes: 20, BucketMinutes: 1})
	require.NoError(t, err)
	require.NotEmpty(t, anomalies)

	top := anomalies[0]
	assert.Equal(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), top.DetectedAt)
	assert.Equal(t, AnomalySpike, top.AnomalyType)
	assert.Equal(t, 200.0, top.ActualValue)
	assert.Equal(t, "api", top.Service)
	assert.Equal(t, SeverityCritical, top.Severity)
}

func TestEngine_Baseline(t *testing.T) {
	source := &fakeSource{values: map[string][]float64{
		storage.MetricLogVolume: {2, 4, 4, 4, 5, 5, 7, 9},
	}}
	engine := NewEngine(source, DefaultConfig(), quietLogger()).WithClock(fixedNow)

	stats, err := engine.Baseline(context.Background(), BaselineRequest{
		Metric: storage.MetricLogVolume, Service: "api", WindowMinutes: 8, BucketMinutes: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, storage.MetricLogVolume, stats.MetricName)
	assert.Equal(t, "api", stats.Service)
	assert.InDelta(t, 5.0, stats.Mean, 1e-9)
	assert.InDelta(t, 2.0, stats.StdDev, 1e-9)
	assert.Equal(t, 2.0, stats.MinValue)
	assert.Equal(t, 9.0, stats.MaxValue)
	assert.Equal(t, 8, stats.SampleCount)
	assert.Equal(t, fixedNow(), stats.LastUpdated)

	empty := ComputeBaseline(Series{Metric: storage.MetricErrorRate}, fixedNow())
	assert.Zero(t, empty.SampleCount)
	assert.Zero(t, empty.Mean)

	_, err = engine.Baseline(context.Background(), BaselineRequest{Metric: "latency", WindowMinutes: 8, BucketMinutes: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
