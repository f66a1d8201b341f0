// Package store is the client side of the shared counter store: a remote
// key/value service offering atomic INCR plus EXPIRE, GET and TTL. Every
// failure is reported as ErrUnavailable so callers can apply one policy to
// timeouts, refused connections, protocol errors, and missing configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/redis"
)

var (
	// ErrUnavailable wraps every store failure.
	ErrUnavailable = errors.New("counter store unavailable")
	// ErrNotConfigured is returned when no store endpoint or credential is
	// set. It matches ErrUnavailable under errors.Is.
	ErrNotConfigured = fmt.Errorf("%w: not configured", ErrUnavailable)
)

// Store is the command surface used by the daily limiter and analytics.
type Store interface {
	// Incr atomically increments key, creating it at 1, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets key to expire after ttl. It reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// TTL returns the remaining time to live of key. ok is false when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	Ping(ctx context.Context) error
	Close() error
}

// Reason classifies a store failure for logs: "not_configured",
// "unreachable" when the server could not be reached in time, or "error"
// for a reply the store rejected.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case redis.IsConnectivityErr(err):
		return "unreachable"
	default:
		return "error"
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// New builds the store selected by cfg.Backend. Backends whose settings are
// incomplete are returned as an unconfigured store (every call fails with
// ErrNotConfigured) so the gateway can still serve requests by policy.
func New(cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	timeout := config.MustParseDuration(cfg.Timeout, 2*time.Second)

	switch cfg.Backend {
	case config.StoreBackendRedis:
		redis.WarnInsecureTLS(cfg.Redis.TLS, logger)
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("creating redis client: %w", err)
		}
		return NewRedisStore(client, timeout), nil

	case config.StoreBackendREST:
		if !cfg.REST.Configured() {
			logger.Warn("store.rest url or token missing, counter store disabled")
			return Unconfigured{}, nil
		}
		return NewRESTStore(cfg.REST.URL, cfg.REST.Token.Value(), timeout), nil

	case config.StoreBackendNone:
		logger.Warn("counter store backend is none, daily limits rely on the failure policy")
		return Unconfigured{}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Unconfigured fails every call with ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Incr(context.Context, string) (int64, error) { return 0, ErrNotConfigured }

func (Unconfigured) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, ErrNotConfigured
}

func (Unconfigured) Get(context.Context, string) (string, bool, error) {
	return "", false, ErrNotConfigured
}

func (Unconfigured) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, ErrNotConfigured
}

func (Unconfigured) Ping(context.Context) error { return ErrNotConfigured }

func (Unconfigured) Close() error { return nil }
