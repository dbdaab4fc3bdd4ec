package analytics

import (
	"sort"
	"time"
)

type mergeKey struct {
	metric  string
	service string
	bucket  int64
}

// Merge collapses anomalies that share metric, service and bucket into one,
// keeping the most severe. Ties go to the higher score, then to the detector
// priority statistical > trend > pattern, then to the lexically smaller
// description. A non-positive resolution groups on exact timestamps.
// The result is ordered by bucket, metric and service.
func Merge(anomalies []Anomaly, resolution time.Duration) []Anomaly {
	if len(anomalies) == 0 {
		return []Anomaly{}
	}

	kept := make(map[mergeKey]Anomaly, len(anomalies))
	for _, a := range anomalies {
		at := a.DetectedAt
		if resolution > 0 {
			at = at.Truncate(resolution)
		}
		key := mergeKey{metric: a.MetricName, service: a.Service, bucket: at.UnixNano()}

		if current, ok := kept[key]; !ok || outranks(a, current) {
			kept[key] = a
		}
	}

	keys := make([]mergeKey, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bucket != keys[j].bucket {
			return keys[i].bucket < keys[j].bucket
		}
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].service < keys[j].service
	})

	merged := make([]Anomaly, len(keys))
	for i, k := range keys {
		merged[i] = kept[k]
	}
	return merged
}

// outranks reports whether a should replace b within one merge group
func outranks(a, b Anomaly) bool {
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return ra > rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if pa, pb := detectorPriority(a.Detector), detectorPriority(b.Detector); pa != pb {
		return pa > pb
	}
	return a.Description < b.Description
}

func detectorPriority(name string) int {
	switch name {
	case DetectorStatistical:
		return 3
	case DetectorTrend:
		return 2
	case DetectorPattern:
		return 1
	}
	return 0
}
