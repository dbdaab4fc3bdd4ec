package analytics

// Severity tiers, ordered low < medium < high < critical
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every tier from most to least severe
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Classify returns the higher of the tiers indicated by the score and by
// the absolute deviation percent. Anything below the low breakpoints is low.
func Classify(score, deviationPercent float64) Severity {
	byScore := scoreTier(score)
	byDeviation := deviationTier(deviationPercent)
	if byDeviation.Rank() > byScore.Rank() {
		return byDeviation
	}
	return byScore
}

func scoreTier(score float64) Severity {
	if score < 0 {
		score = -score
	}
	switch {
	case score > 4.0:
		return SeverityCritical
	case score >= 3.0:
		return SeverityHigh
	case score >= 2.5:
		return SeverityMedium
	}
	return SeverityLow
}

func deviationTier(deviation float64) Severity {
	if deviation < 0 {
		deviation = -deviation
	}
	switch {
	case deviation > 400:
		return SeverityCritical
	case deviation >= 300:
		return SeverityHigh
	case deviation >= 250:
		return SeverityMedium
	}
	return SeverityLow
}
