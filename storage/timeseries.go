package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AllServices is the series key that aggregates events across every service.
const AllServices = "all"

// TimeBucket represents one fixed interval of an aggregated series
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Counts holds the event tallies recorded for one minute
type Counts struct {
	Total  int64 `json:"total"`
	Errors int64 `json:"errors"`
}

// Add returns the element-wise sum of two tallies
func (c Counts) Add(o Counts) Counts {
	return Counts{Total: c.Total + o.Total, Errors: c.Errors + o.Errors}
}

// CounterWriter records per-minute event counts for a service
type CounterWriter interface {
	AddCounts(ctx context.Context, service string, minute time.Time, counts Counts) error
}

// CounterReader returns per-minute counts keyed by the minute's unix timestamp.
// Minutes without events are absent from the result.
type CounterReader interface {
	ReadCounts(ctx context.Context, service string, start, end time.Time) (map[int64]Counts, error)
}

// CounterSeries holds minute counters for a single service
type CounterSeries struct {
	Service  string
	Minutes  map[int64]Counts
	LastSeen time.Time
	mu       sync.RWMutex
}

// NewCounterSeries creates a new counter series
func NewCounterSeries(service string) *CounterSeries {
	return &CounterSeries{
		Service:  service,
		Minutes:  make(map[int64]Counts),
		LastSeen: time.Now(),
	}
}

// Add accumulates counts into the minute containing ts (thread-safe)
func (s *CounterSeries) Add(ts time.Time, counts Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ts.Truncate(time.Minute).Unix()
	s.Minutes[key] = s.Minutes[key].Add(counts)
	s.LastSeen = time.Now()
}

// GetRange returns the minutes in [start, end)
func (s *CounterSeries) GetRange(start, end time.Time) map[int64]Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to := start.Unix(), end.Unix()
	result := make(map[int64]Counts)
	for minute, c := range s.Minutes {
		if minute >= from && minute < to {
			result[minute] = c
		}
	}
	return result
}

// Size returns the number of populated minutes
func (s *CounterSeries) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Minutes)
}

// dropBefore removes minutes older than cutoff and returns how many were removed
func (s *CounterSeries) dropBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := cutoff.Unix()
	removed := 0
	for minute := range s.Minutes {
		if minute < limit {
			delete(s.Minutes, minute)
			removed++
		}
	}
	return removed
}

// HotStorage is the in-memory counter store
type HotStorage struct {
	series      map[string]*CounterSeries
	maxSeries   int
	mu          sync.RWMutex
	totalEvents int64
}

// NewHotStorage creates a new hot storage instance
func NewHotStorage(maxSeries int) *HotStorage {
	return &HotStorage{
		series:    make(map[string]*CounterSeries),
		maxSeries: maxSeries,
	}
}

// AddCounts adds event counts to a service's minute bucket
func (hs *HotStorage) AddCounts(_ context.Context, service string, minute time.Time, counts Counts) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	series, exists := hs.series[service]
	if !exists {
		if len(hs.series) >= hs.maxSeries {
			return fmt.Errorf("series limit exceeded: %d", hs.maxSeries)
		}
		series = NewCounterSeries(service)
		hs.series[service] = series
	}

	series.Add(minute, counts)
	hs.totalEvents += counts.Total
	return nil
}

// ReadCounts returns the counts recorded for service in [start, end)
func (hs *HotStorage) ReadCounts(_ context.Context, service string, start, end time.Time) (map[int64]Counts, error) {
	hs.mu.RLock()
	series, exists := hs.series[service]
	hs.mu.RUnlock()

	if !exists {
		return map[int64]Counts{}, nil
	}
	return series.GetRange(start, end), nil
}

// GetSeries returns a series by service name
func (hs *HotStorage) GetSeries(service string) (*CounterSeries, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	series, exists := hs.series[service]
	return series, exists
}

// Services returns the known service names in sorted order
func (hs *HotStorage) Services() []string {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	names := make([]string, 0, len(hs.series))
	for name := range hs.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSeriesCount returns the number of series in storage
func (hs *HotStorage) GetSeriesCount() int {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.series)
}

// GetTotalEvents returns the number of events recorded since startup
func (hs *HotStorage) GetTotalEvents() int64 {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.totalEvents
}

// CleanupExpired drops minutes older than maxAge and removes series left empty.
// It returns the number of series removed.
func (hs *HotStorage) CleanupExpired(maxAge time.Duration) int {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var emptyIDs []string

	for id, series := range hs.series {
		series.dropBefore(cutoff)
		if series.Size() == 0 {
			emptyIDs = append(emptyIDs, id)
		}
	}

	for _, id := range emptyIDs {
		delete(hs.series, id)
	}

	return len(emptyIDs)
}

// SeriesInfo represents metadata about a counter series
type SeriesInfo struct {
	Service  string    `json:"service"`
	Minutes  int       `json:"minutes"`
	LastSeen time.Time `json:"last_seen"`
}
