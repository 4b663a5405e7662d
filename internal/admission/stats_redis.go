package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cvflow/pkg/redis"
)

const statsKeyPrefix = "cvflow:admission:"

// RedisStats is a StatsStore backed by Redis hashes, one hash per client
// key, so counters survive a restart and are shared across replicas.
type RedisStats struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStats creates a Redis-backed stats store. Each client hash expires
// after ttl of inactivity.
func NewRedisStats(client *redis.Client, ttl time.Duration) *RedisStats {
	return &RedisStats{client: client, ttl: ttl}
}

func (r *RedisStats) Record(ctx context.Context, key string, d Decision) error {
	hashKey := statsKeyPrefix + key
	if _, err := r.client.HIncrBy(ctx, hashKey, d.String(), 1); err != nil {
		return fmt.Errorf("incrementing admission counter: %w", err)
	}
	if err := r.client.Expire(ctx, hashKey, r.ttl); err != nil {
		return fmt.Errorf("refreshing admission counter ttl: %w", err)
	}
	return nil
}

func (r *RedisStats) Summary(ctx context.Context) (map[string]Counts, error) {
	keys, err := r.client.ScanKeys(ctx, statsKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	out := make(map[string]Counts, len(keys))
	for _, hashKey := range keys {
		fields, err := r.client.HGetAll(ctx, hashKey)
		if err != nil {
			return nil, fmt.Errorf("reading admission counters for %s: %w", hashKey, err)
		}
		var c Counts
		for field, raw := range fields {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			switch field {
			case Allowed.String():
				c.Allowed = n
			case RateLimited.String():
				c.RateLimited = n
			case Blocked.String():
				c.Blocked = n
			}
		}
		out[strings.TrimPrefix(hashKey, statsKeyPrefix)] = c
	}
	return out, nil
}
