package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "keychain:"

// RedisStore keeps every field of one namespace in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore builds a store under keychain:<namespace>.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisStore{client: client, key: redisKeyPrefix + namespace}
}

// Get reads one field.
func (s *RedisStore) Get(ctx context.Context, field string) (string, error) {
	v, err := s.client.HGet(ctx, s.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get %s: %w", field, err)
	}
	return v, nil
}

// Set writes one field.
func (s *RedisStore) Set(ctx context.Context, field, value string) error {
	if err := s.client.HSet(ctx, s.key, field, value).Err(); err != nil {
		return fmt.Errorf("keychain set %s: %w", field, err)
	}
	return nil
}

// Clear drops the whole hash.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("keychain clear: %w", err)
	}
	return nil
}
