package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StorageEngine coordinates the in-memory and Redis counter stores
type StorageEngine struct {
	hot    *HotStorage
	redis  *RedisStorage
	config *StorageConfig
	log    logrus.FieldLogger

	cleanupWorker *CleanupWorker
}

// StorageConfig contains configuration for the storage engine
type StorageConfig struct {
	Hot   HotStorageConfig
	Redis *RedisStorage
}

// HotStorageConfig contains hot storage configuration
type HotStorageConfig struct {
	MaxSeries       int
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
}

// CleanupWorker drops expired minutes from hot storage
type CleanupWorker struct {
	engine   *StorageEngine
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStorageEngine creates a new storage engine. When a Redis store is
// configured writes go to both tiers and reads are served from Redis.
func NewStorageEngine(config *StorageConfig, log logrus.FieldLogger) (*StorageEngine, error) {
	if config.Hot.MaxSeries <= 0 {
		return nil, fmt.Errorf("hot storage max series must be positive")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	engine := &StorageEngine{
		hot:    NewHotStorage(config.Hot.MaxSeries),
		redis:  config.Redis,
		config: config,
		log:    log.WithField("component", "storage"),
	}

	engine.cleanupWorker = &CleanupWorker{
		engine:   engine,
		interval: config.Hot.CleanupInterval,
		stopChan: make(chan struct{}),
	}

	return engine, nil
}

// AddCounts records counts for a service minute in every configured tier.
// Redis is written first; hot storage only sees counts Redis accepted.
func (se *StorageEngine) AddCounts(ctx context.Context, service string, minute time.Time, counts Counts) error {
	if se.redis != nil {
		if err := se.redis.AddCounts(ctx, service, minute, counts); err != nil {
			return fmt.Errorf("failed to write to redis: %w", err)
		}
	}
	return se.hot.AddCounts(ctx, service, minute, counts)
}

// ReadCounts returns minute counts from the authoritative tier
func (se *StorageEngine) ReadCounts(ctx context.Context, service string, start, end time.Time) (map[int64]Counts, error) {
	if se.redis != nil {
		return se.redis.ReadCounts(ctx, service, start, end)
	}
	return se.hot.ReadCounts(ctx, service, start, end)
}

// ListSeries returns metadata for every series held in hot storage
func (se *StorageEngine) ListSeries() []SeriesInfo {
	var infos []SeriesInfo
	for _, name := range se.hot.Services() {
		series, ok := se.hot.GetSeries(name)
		if !ok {
			continue
		}
		series.mu.RLock()
		lastSeen := series.LastSeen
		series.mu.RUnlock()
		infos = append(infos, SeriesInfo{
			Service:  name,
			Minutes:  series.Size(),
			LastSeen: lastSeen,
		})
	}
	return infos
}

// GetStorageStats returns statistics about storage usage
func (se *StorageEngine) GetStorageStats() StorageStats {
	return StorageStats{
		Hot: HotStorageStats{
			SeriesCount: se.hot.GetSeriesCount(),
			TotalEvents: se.hot.GetTotalEvents(),
		},
		RedisEnabled: se.redis != nil,
	}
}

// Healthy reports whether every configured tier is reachable
func (se *StorageEngine) Healthy(ctx context.Context) error {
	if se.redis != nil {
		return se.redis.Ping(ctx)
	}
	return nil
}

// Start begins the background cleanup worker
func (se *StorageEngine) Start() {
	if se.cleanupWorker.interval > 0 {
		se.cleanupWorker.Start()
	}
}

// Stop shuts down background workers
func (se *StorageEngine) Stop() {
	if se.cleanupWorker.interval > 0 {
		se.cleanupWorker.Stop()
	}
}

// TriggerCleanup manually triggers cleanup of expired data
func (se *StorageEngine) TriggerCleanup() int {
	removed := se.hot.CleanupExpired(se.config.Hot.RetentionPeriod)
	se.log.WithField("series_removed", removed).Debug("hot storage cleanup finished")
	return removed
}

func (cw *CleanupWorker) Start() {
	cw.wg.Add(1)
	go cw.run()
}

func (cw *CleanupWorker) Stop() {
	close(cw.stopChan)
	cw.wg.Wait()
}

func (cw *CleanupWorker) run() {
	defer cw.wg.Done()

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cw.stopChan:
			return
		case <-ticker.C:
			cw.engine.TriggerCleanup()
		}
	}
}

// StorageStats represents storage layer statistics
type StorageStats struct {
	Hot          HotStorageStats `json:"hot"`
	RedisEnabled bool            `json:"redis_enabled"`
}

type HotStorageStats struct {
	SeriesCount int   `json:"series_count"`
	TotalEvents int64 `json:"total_events"`
}
