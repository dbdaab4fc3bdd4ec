package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisClient is the subset of the go-redis API used by RedisStorage
type redisClient interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStorage keeps minute counters in Redis hashes.
//
// Each (kind, service, UTC day) pair owns one hash whose fields are the unix
// timestamps of the minutes in that day. Hashes expire after the retention
// period so no cleanup worker is required.
type RedisStorage struct {
	client    redisClient
	prefix    string
	retention time.Duration
}

// NewRedisStorage creates a Redis-backed counter store
func NewRedisStorage(client redisClient, prefix string, retention time.Duration) *RedisStorage {
	if prefix == "" {
		prefix = "lae"
	}
	return &RedisStorage{client: client, prefix: prefix, retention: retention}
}

// DialRedis connects to Redis and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (rs *RedisStorage) key(kind, service string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", rs.prefix, kind, service, day.UTC().Format("20060102"))
}

// AddCounts increments the minute counters for service
func (rs *RedisStorage) AddCounts(ctx context.Context, service string, minute time.Time, counts Counts) error {
	minute = minute.Truncate(time.Minute)
	field := strconv.FormatInt(minute.Unix(), 10)

	writes := []struct {
		kind  string
		value int64
	}{
		{"total", counts.Total},
		{"errors", counts.Errors},
	}

	for _, w := range writes {
		if w.value == 0 {
			continue
		}
		key := rs.key(w.kind, service, minute)
		if err := rs.client.HIncrBy(ctx, key, field, w.value).Err(); err != nil {
			return fmt.Errorf("failed to increment %s: %w", key, err)
		}
		if rs.retention > 0 {
			if err := rs.client.Expire(ctx, key, rs.retention).Err(); err != nil {
				return fmt.Errorf("failed to set expiry on %s: %w", key, err)
			}
		}
	}

	return nil
}

// ReadCounts returns the counts recorded for service in [start, end)
func (rs *RedisStorage) ReadCounts(ctx context.Context, service string, start, end time.Time) (map[int64]Counts, error) {
	result := make(map[int64]Counts)
	from, to := start.Unix(), end.Unix()

	for day := startOfDay(start); day.Before(end); day = day.AddDate(0, 0, 1) {
		totals, err := rs.readHash(ctx, rs.key("total", service, day), from, to)
		if err != nil {
			return nil, err
		}
		errs, err := rs.readHash(ctx, rs.key("errors", service, day), from, to)
		if err != nil {
			return nil, err
		}

		for minute, v := range totals {
			c := result[minute]
			c.Total += v
			result[minute] = c
		}
		for minute, v := range errs {
			c := result[minute]
			c.Errors += v
			result[minute] = c
		}
	}

	return result, nil
}

func (rs *RedisStorage) readHash(ctx context.Context, key string, from, to int64) (map[int64]int64, error) {
	fields, err := rs.client.HGetAll(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	values := make(map[int64]int64, len(fields))
	for field, raw := range fields {
		minute, err := strconv.ParseInt(field, 10, 64)
		if err != nil || minute < from || minute >= to {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid counter %s[%s]=%q: %w", key, field, raw, err)
		}
		values[minute] = v
	}
	return values, nil
}

// Ping checks that Redis is reachable
func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
