package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"CryptoHub/internal/observability"

	"github.com/rs/zerolog"
)

// RedisTier mirrors cache values into Redis so a restarted process
// starts warm. Strictly best-effort: every failure is logged and
// swallowed — the in-memory tier and the fetcher remain authoritative.
type RedisTier struct {
	client     *redis.Client
	keyspace   string
	defaultTTL time.Duration
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewRedisTier(client *redis.Client, keyspace string, defaultTTL time.Duration, metrics *observability.Metrics) *RedisTier {
	return &RedisTier{
		client:     client,
		keyspace:   keyspace,
		defaultTTL: defaultTTL,
		metrics:    metrics,
		log:        observability.NewLogger("cache-redis"),
	}
}

// Get returns the stored JSON for key, reporting presence.
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := t.client.Get(ctx, t.keyspace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.metrics.CacheRedisErrors.WithLabelValues("get").Inc()
			t.log.Warn().Str("key", key).Err(err).Msg("redis get failed")
		}
		return nil, false
	}
	return data, true
}

// Set stores the value as JSON with a TTL.
func (t *RedisTier) Set(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		t.metrics.CacheRedisErrors.WithLabelValues("marshal").Inc()
		return
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	if err := t.client.Set(ctx, t.keyspace+key, data, ttl).Err(); err != nil {
		t.metrics.CacheRedisErrors.WithLabelValues("set").Inc()
		t.log.Warn().Str("key", key).Err(err).Msg("redis set failed")
	}
}

// DeletePrefix removes all keys under a prefix.
func (t *RedisTier) DeletePrefix(ctx context.Context, prefix string) {
	iter := t.client.Scan(ctx, 0, t.keyspace+prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.metrics.CacheRedisErrors.WithLabelValues("scan").Inc()
		t.log.Warn().Str("prefix", prefix).Err(err).Msg("redis scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := t.client.Del(ctx, keys...).Err(); err != nil {
		t.metrics.CacheRedisErrors.WithLabelValues("del").Inc()
		t.log.Warn().Str("prefix", prefix).Err(err).Msg("redis del failed")
	}
}
