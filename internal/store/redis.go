package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis connection timeout.
const redisConnectTimeout = 10 * time.Second

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host   string
	Port   int
	Proto  string // "redis" or "rediss" (TLS)
	Pass   string
	DB     int
	Prefix string
}

// RedisStateStore is a StateStore shared by every process pointing at the same Redis.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore connects to Redis and returns a flow state store.
func NewRedisStateStore(ctx context.Context, cfg *RedisConfig) (*RedisStateStore, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Pass,
		DB:       cfg.DB,
	}
	if cfg.Proto == "rediss" {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return NewRedisStateStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStateStoreFromClient wraps an existing client.
func NewRedisStateStoreFromClient(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "oauthstate:"
	}
	return &RedisStateStore{client: client, prefix: prefix, ttl: StateTTL}
}

// Put saves state for key with StateTTL expiry.
func (s *RedisStateStore) Put(ctx context.Context, key string, st *FlowState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling flow state: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing flow state: %w", err)
	}
	return nil
}

// Take returns and deletes the state for key using GETDEL (Redis 6.2+).
func (s *RedisStateStore) Take(ctx context.Context, key string) (*FlowState, error) {
	data, err := s.client.GetDel(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taking flow state: %w", err)
	}

	var st FlowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling flow state: %w", err)
	}
	return &st, nil
}

// Close closes the Redis connection.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
