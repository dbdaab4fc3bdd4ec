package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps hashes in memory and records expirations
type fakeRedis struct {
	mu      sync.Mutex
	hashes  map[string]map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes:  make(map[string]map[string]int64),
		expires: make(map[string]time.Duration),
	}
}

func (f *fakeRedis) HIncrBy(_ context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]int64)
	}
	f.hashes[key][field] += incr
	return redis.NewIntResult(f.hashes[key][field], nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.StringStringMapCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for field, v := range f.hashes[key] {
		out[field] = strconv.FormatInt(v, 10)
	}
	return redis.NewStringStringMapResult(out, nil)
}

func (f *fakeRedis) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func TestRedisStorage_RoundTrip(t *testing.T) {
	client := newFakeRedis()
	rs := NewRedisStorage(client, "test", 48*time.Hour)
	ctx := context.Background()

	minute := time.Date(2026, 10, 14, 9, 30, 15, 0, time.UTC)
	require.NoError(t, rs.AddCounts(ctx, "api", minute, Counts{Total: 3, Errors: 1}))
	require.NoError(t, rs.AddCounts(ctx, "api", minute, Counts{Total: 2}))

	got, err := rs.ReadCounts(ctx, "api", minute.Add(-time.Hour), minute.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 5, Errors: 1}, got[minute.Truncate(time.Minute).Unix()])

	assert.Equal(t, 48*time.Hour, client.expires["test:total:api:20261014"])
	assert.Equal(t, 48*time.Hour, client.expires["test:errors:api:20261014"])
	assert.NoError(t, rs.Ping(ctx))
}

func TestRedisStorage_ReadAcrossMidnight(t *testing.T) {
	client := newFakeRedis()
	rs := NewRedisStorage(client, "", 0)
	ctx := context.Background()

	before := time.Date(2026, 10, 13, 23, 59, 0, 0, time.UTC)
	after := time.Date(2026, 10, 14, 0, 1, 0, 0, time.UTC)
	require.NoError(t, rs.AddCounts(ctx, AllServices, before, Counts{Total: 4}))
	require.NoError(t, rs.AddCounts(ctx, AllServices, after, Counts{Total: 6, Errors: 6}))

	got, err := rs.ReadCounts(ctx, AllServices, before, after.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[before.Unix()].Total)
	assert.Equal(t, int64(6), got[after.Unix()].Errors)

	// no expiry is set when retention is disabled
	assert.Empty(t, client.expires)
	assert.Contains(t, client.hashes, "lae:total:all:20261013")
}

func TestRedisStorage_RangeFilter(t *testing.T) {
	client := newFakeRedis()
	rs := NewRedisStorage(client, "lae", time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, rs.AddCounts(ctx, "api", base.Add(time.Duration(i)*time.Minute), Counts{Total: 1}))
	}

	got, err := rs.ReadCounts(ctx, "api", base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAggregator_OverRedis(t *testing.T) {
	rs := NewRedisStorage(newFakeRedis(), "lae", time.Hour)
	ctx := context.Background()
	require.NoError(t, rs.AddCounts(ctx, AllServices, time.Date(2026, 10, 14, 11, 58, 0, 0, time.UTC), Counts{Total: 9, Errors: 3}))

	agg := NewAggregator(rs).WithClock(fixedClock)
	buckets, err := agg.FetchSeries(ctx, MetricErrorRate, "", 3, 1)
	require.NoError(t, err)

	require.Len(t, buckets, 3)
	assert.InDelta(t, 100.0/3, buckets[0].Value, 1e-9)
	assert.Zero(t, buckets[1].Value)
}

func TestStorageEngine_RedisFailure(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	engine, err := NewStorageEngine(&StorageConfig{
		Hot:   HotStorageConfig{MaxSeries: 10, RetentionPeriod: time.Hour},
		Redis: NewRedisStorage(client, "lae", time.Hour),
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	minute := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	err = engine.AddCounts(ctx, "api", minute, Counts{Total: 4, Errors: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, engine.GetStorageStats().Hot.SeriesCount)
	assert.Empty(t, client.expires)

	client.err = nil
	require.NoError(t, engine.AddCounts(ctx, "api", minute, Counts{Total: 4, Errors: 1}))

	got, err := engine.ReadCounts(ctx, "api", minute, minute.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 4, Errors: 1}, got[minute.Unix()])
	assert.Equal(t, 1, engine.GetStorageStats().Hot.SeriesCount)
}
