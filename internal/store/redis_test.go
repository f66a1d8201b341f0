package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Second), mr
}

func TestRedisStore_Commands(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)

	t.Run("incr creates then increments", func(t *testing.T) {
		n, err := s.Incr(ctx, "rl:a:2025-03-14")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.Incr(ctx, "rl:a:2025-03-14")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("ttl without expiry is absent", func(t *testing.T) {
		_, ok, err := s.TTL(ctx, "rl:a:2025-03-14")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expire then ttl", func(t *testing.T) {
		ok, err := s.Expire(ctx, "rl:a:2025-03-14", 90*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		ttl, ok, err := s.TTL(ctx, "rl:a:2025-03-14")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 90*time.Second, ttl)
	})

	t.Run("get existing and missing", func(t *testing.T) {
		v, ok, err := s.Get(ctx, "rl:a:2025-03-14")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "2", v)

		_, ok, err = s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.TTL(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired key disappears", func(t *testing.T) {
		mr.FastForward(91 * time.Second)
		_, ok, err := s.Get(ctx, "rl:a:2025-03-14")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)
	mr.Close()

	_, err := s.Incr(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, errors.Is(err, ErrNotConfigured))
	assert.Contains(t, err.Error(), "INCR")

	_, _, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, _, err = s.TTL(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.Expire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}

func TestRedisStore_WrongType(t *testing.T) {
	s, mr := newMiniredisStore(t)
	require.NoError(t, mr.Set("k", "not-a-number"))

	_, err := s.Incr(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
}
