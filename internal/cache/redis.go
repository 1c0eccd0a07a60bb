package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "swcache"

// RedisStore keeps cache entries in redis so every process serving the
// origin shares one cache.
type RedisStore struct {
	client     *redis.Client
	generation string
	ttl        time.Duration
}

func NewRedisStore(client *redis.Client, generation string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, generation: generation, ttl: ttl}
}

func (s *RedisStore) key(url string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, s.generation, url)
}

func (s *RedisStore) Get(ctx context.Context, url string) (*Entry, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := s.client.Get(ctx, s.key(url)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry from redis: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) Set(ctx context.Context, entry *Entry) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.URL), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set cache entry in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, url string) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := s.client.Del(ctx, s.key(url)).Err(); err != nil {
		return fmt.Errorf("delete cache entry from redis: %w", err)
	}
	return nil
}

// PurgeStale scans all cache keys and deletes those stored under another
// generation name.
func (s *RedisStore) PurgeStale(ctx context.Context) (int, error) {
	if s.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	current := fmt.Sprintf("%s:%s:", keyPrefix, s.generation)
	purged := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, current) {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return purged, fmt.Errorf("purge stale cache key %s: %w", key, err)
		}
		purged++
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("scan cache keys: %w", err)
	}
	return purged, nil
}
