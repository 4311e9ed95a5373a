package storage

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "daybreak:"

// RedisStore stores values as plain Redis strings.
// Redis must be configured with persistence (AOF) for Set to be durable.
type RedisStore struct {
	client *goredis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at url.
// Format: redis://[:password@]host:port[/db]
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("redis storage requires a URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis storage: invalid URL: %w", err)
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: goredis.NewClient(opts),
		prefix: prefix,
	}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, notFound("get", key)
	}
	if err != nil {
		return nil, wrap(err, "get", key)
	}
	return data, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return wrap(s.client.Set(ctx, s.prefix+key, value, 0).Err(), "set", key)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return wrap(s.client.Del(ctx, s.prefix+key).Err(), "delete", key)
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, wrap(err, "exists", key)
	}
	return n > 0, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
