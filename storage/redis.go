package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultNamespace = "alertflow"

// RedisStore is a Redis-backed implementation of the Store interface.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Namespace    string        `mapstructure:"namespace"`
}

// NewRedisStore creates a new RedisStore instance with configurable options.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ns := opts.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &RedisStore{client: client, namespace: ns}, nil
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

// Get retrieves the value under key from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		k := s.key(key)
		data, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, k)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %w", k, err)
		}
		return data, nil
	})
}

// Set stores value under key in Redis without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return withContextError(ctx, func() error {
		k := s.key(key)
		if err := s.client.Set(ctx, k, value, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", k, err)
		}
		return nil
	})
}

// Delete removes key from Redis.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		k := s.key(key)
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("failed to delete %s from Redis: %w", k, err)
		}
		return nil
	})
}

// SetMany stores several keys in one pipeline.
func (s *RedisStore) SetMany(ctx context.Context, values map[string][]byte) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for key, value := range values {
			pipe.Set(ctx, s.key(key), value, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
