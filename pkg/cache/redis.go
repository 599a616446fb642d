package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key the store writes. Defaults to "intelcache:".
	KeyPrefix string
	// MaxRecords bounds the store; the oldest captured record is evicted on overflow.
	MaxRecords int
	// CacheTTL is an optional hard expiry applied to every record key. Zero keeps
	// records until they are evicted or cleared.
	CacheTTL time.Duration
}

// RedisStore is a RecordStore backed by Redis. Records are stored as JSON
// under a per-slot key, with a set per topic and a sorted set ordering slots
// by capture time for capacity eviction.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	maxRecords  int
	ttl         time.Duration
	now         func() time.Time
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisStoreWithClient(rdb, cfg, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisStoreWithClient(rdb *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "intelcache:"
	}
	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		prefix:      prefix,
		maxRecords:  cfg.MaxRecords,
		ttl:         cfg.CacheTTL,
		now:         time.Now,
	}
}

func (c *RedisStore) recordKey(key string) string { return c.prefix + "rec:" + key }
func (c *RedisStore) topicKey(topic string) string { return c.prefix + "topic:" + topic }
func (c *RedisStore) capturedKey() string          { return c.prefix + "captured" }

// Get retrieves a record by slot key.
func (c *RedisStore) Get(ctx context.Context, key string) (types.CacheRecord, error) {
	cachedData, err := c.redisClient.Get(ctx, c.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.CacheRecord{}, fmt.Errorf("key '%v': %w", key, ErrNotFound)
		}
		c.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during get.")
		return types.CacheRecord{}, fmt.Errorf("redis get for %s: %w", key, err)
	}

	var rec types.CacheRecord
	if err := json.Unmarshal(cachedData, &rec); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached record.")
		return types.CacheRecord{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	c.logger.Debug().Str("key", key).Msg("Redis cache hit.")
	return rec, nil
}

// Put writes the record and its indexes in one transaction, then enforces capacity.
func (c *RedisStore) Put(ctx context.Context, rec types.CacheRecord) error {
	key := rec.Key()
	jsonData, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal record for caching.")
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.recordKey(key), jsonData, c.ttl)
		pipe.SAdd(ctx, c.topicKey(rec.Topic), key)
		pipe.ZAdd(ctx, c.capturedKey(), redis.Z{Score: float64(rec.CapturedAt.UnixNano()), Member: key})
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to set record in Redis.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	if c.maxRecords > 0 {
		if err := c.enforceCapacity(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to enforce Redis store capacity.")
		}
	}
	c.logger.Debug().Str("key", key).Msg("Successfully stored record in Redis.")
	return nil
}

func (c *RedisStore) enforceCapacity(ctx context.Context) error {
	count, err := c.redisClient.ZCard(ctx, c.capturedKey()).Result()
	if err != nil {
		return err
	}
	overflow := count - int64(c.maxRecords)
	if overflow <= 0 {
		return nil
	}
	victims, err := c.redisClient.ZPopMin(ctx, c.capturedKey(), overflow).Result()
	if err != nil {
		return err
	}
	for _, v := range victims {
		if key, ok := v.Member.(string); ok {
			if err := c.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes a slot and its index entries.
func (c *RedisStore) Delete(ctx context.Context, key string) error {
	topic, _, _ := types.SplitSlotKey(key)
	_, err := c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.recordKey(key))
		pipe.SRem(ctx, c.topicKey(topic), key)
		pipe.ZRem(ctx, c.capturedKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// ListByTopic returns the topic's records, oldest first.
func (c *RedisStore) ListByTopic(ctx context.Context, topic string) ([]types.CacheRecord, error) {
	keys, err := c.redisClient.SMembers(ctx, c.topicKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers for topic %q: %w", topic, err)
	}
	return c.load(ctx, keys)
}

// List returns every record, oldest first.
func (c *RedisStore) List(ctx context.Context) ([]types.CacheRecord, error) {
	keys, err := c.redisClient.ZRange(ctx, c.capturedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return c.load(ctx, keys)
}

func (c *RedisStore) load(ctx context.Context, keys []string) ([]types.CacheRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	recordKeys := make([]string, len(keys))
	for i, k := range keys {
		recordKeys[i] = c.recordKey(k)
	}
	values, err := c.redisClient.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]types.CacheRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// The record key expired or was evicted; the index entry is stale.
			c.logger.Debug().Str("key", keys[i]).Msg("Dropping stale Redis index entry.")
			_ = c.Delete(ctx, keys[i])
			continue
		}
		var rec types.CacheRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			c.logger.Error().Err(err).Str("key", keys[i]).Msg("Failed to unmarshal cached record.")
			continue
		}
		out = append(out, rec)
	}
	sortByCaptured(out)
	return out, nil
}

// Stats counts records.
func (c *RedisStore) Stats(ctx context.Context) (types.StoreStats, error) {
	all, err := c.List(ctx)
	if err != nil {
		return types.StoreStats{}, err
	}
	return statsOf(all, c.now()), nil
}

// Clear removes every key under the store prefix.
func (c *RedisStore) Clear(ctx context.Context) error {
	iter := c.redisClient.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.redisClient.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := c.redisClient.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

// ClearExpired removes records whose horizon has passed.
func (c *RedisStore) ClearExpired(ctx context.Context) (int, error) {
	all, err := c.List(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for _, rec := range all {
		if rec.Expired(now) {
			if err := c.Delete(ctx, rec.Key()); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Close closes the Redis client connection.
func (c *RedisStore) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
