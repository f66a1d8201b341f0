package store

import (
	"context"
	"errors"
	"time"

	"github.com/aiprompter/aiprompter/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore speaks RESP to Redis through go-redis.
type RedisStore struct {
	client  redis.Client
	timeout time.Duration
}

// NewRedisStore wraps client. timeout bounds each command; zero leaves the
// caller's context as the only bound.
func NewRedisStore(client redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, timeout: timeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("INCR", err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, unavailable("EXPIRE", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("GET", err)
	}
	return v, true, nil
}

// TTL maps the -2 (no key) and -1 (no expiry) replies to ok=false.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable("TTL", err)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("PING", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
