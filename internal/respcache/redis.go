package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "voice:response:"

// redisStore shares cached responses between service instances. Size is
// governed by the redis eviction policy, age by ttl.
type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl < 0 {
		ttl = 0
	}
	return &redisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *redisStore) key(hash string) string {
	return s.prefix + hash
}

func (s *redisStore) Lookup(ctx context.Context, hash string) (Entry, bool, error) {
	val, err := s.client.Get(ctx, s.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Store(ctx context.Context, hash string, entry Entry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(hash), val, s.ttl).Err()
}

func (s *redisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 512).Result()
		if err != nil {
			return count, fmt.Errorf("redis scan: %w", err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
