package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ardoise/internal/domain"
)

// RedisReportCache keeps weekly reports as JSON values with a TTL.
type RedisReportCache struct {
	rdb redis.UniversalClient
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	return newRedisReportCache(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func newRedisReportCache(rdb redis.UniversalClient) *RedisReportCache {
	return &RedisReportCache{rdb: rdb}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisReportCache) Get(ctx context.Context, key string) (*domain.WeeklyStats, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	stats, err := decodeWeekly(raw)
	if err != nil {
		return nil, false, fmt.Errorf("cached report %s: %w", key, err)
	}
	return stats, true, nil
}

func (c *RedisReportCache) Set(ctx context.Context, key string, stats *domain.WeeklyStats, ttl time.Duration) error {
	if stats == nil {
		return nil
	}
	raw, err := encodeWeekly(stats)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func encodeWeekly(stats *domain.WeeklyStats) ([]byte, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return raw, nil
}

// decodeWeekly treats a payload without days as corrupt; a computed report always
// has one entry per day.
func decodeWeekly(raw []byte) (*domain.WeeklyStats, error) {
	var stats domain.WeeklyStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if len(stats.Days) == 0 {
		return nil, errors.New("decode report: no days")
	}
	return &stats, nil
}
