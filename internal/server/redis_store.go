package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const defaultRedisPrefix = "cma:ratelimit"

// RedisStoreConfig configures the shared rate-limit store.
type RedisStoreConfig struct {
	Addr     string
	Password string
	Prefix   string
	Timeout  time.Duration
}

// RedisStore keeps rate-limit counters in Redis so several instances share
// one budget per client. It counts fixed windows that start at a client's
// first request, an approximation of the in-process sliding log.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects lazily; the first Take dials the server.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:             addr,
		Password:         cfg.Password,
		DialTimeout:      timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		DisableIndentity: true,
	})
	return &RedisStore{client: client, prefix: prefix}, nil
}

// key hashes the client identity so raw addresses never land in the shared
// store.
func (s *RedisStore) key(client string) string {
	sum := blake2b.Sum256([]byte(client))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

func (s *RedisStore) Take(ctx context.Context, client string, limit int, window time.Duration, now time.Time) (RateLimitResult, error) {
	key := s.key(client)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateLimitResult{}, fmt.Errorf("redis rate limit: %w", err)
	}

	remainingTTL := ttl.Val()
	if remainingTTL < 0 {
		seconds := int64(window / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if err := s.client.Expire(ctx, key, time.Duration(seconds)*time.Second).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("redis rate limit expire: %w", err)
		}
		remainingTTL = time.Duration(seconds) * time.Second
	}

	count := incr.Val()
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetAt:   now.Add(remainingTTL),
	}, nil
}

func (s *RedisStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- s.client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
