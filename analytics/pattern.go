package analytics

import (
	"log-anomaly-engine/analytics/ml"
)

// PatternDetector fits an isolation forest on the series values and reports
// the samples the forest isolates fastest.
type PatternDetector struct{}

func (PatternDetector) Name() string { return DetectorPattern }

func (d PatternDetector) Detect(series Series, cfg Config) []Anomaly {
	c := cfg.Pattern
	values := series.values()
	if len(values) < c.MinSamples || len(values) < 2 {
		return nil
	}

	forest := ml.NewIsolationForest(c.Trees, c.SampleSize, c.Seed)
	pred := forest.FitPredict(values, c.Contamination)

	flagged := pred.OutlierCount()
	if flagged == 0 || flagged == len(values) {
		return nil
	}

	// baseline over the samples the forest kept
	sum := 0.0
	for i, v := range values {
		if !pred.Outliers[i] {
			sum += v
		}
	}
	expected := sum / float64(len(values)-flagged)

	anomalies := make([]Anomaly, 0, flagged)
	for i := range values {
		if !pred.Outliers[i] {
			continue
		}
		anomalies = append(anomalies, newAnomaly(series, i, AnomalyPatternChange,
			patternScore(pred.Scores[i], pred.Threshold), expected, d.Name()))
	}
	return anomalies
}

// patternScore maps a forest score above threshold onto (1, 5], so the most
// isolated samples land in the same tiers as z-scores.
func patternScore(score, threshold float64) float64 {
	if threshold >= 1 {
		return 1
	}
	return 1 + 4*(score-threshold)/(1-threshold)
}
