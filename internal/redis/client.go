// Package redis builds go-redis clients for the counter store in single,
// sentinel, or cluster topology. Client exposes only the commands the daily
// limiter and analytics tracker issue.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/aiprompter/aiprompter/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// Client is the subset of go-redis used by the counter store.
// *goredis.Client, *goredis.ClusterClient and the sentinel failover client
// all satisfy it.
type Client interface {
	Incr(ctx context.Context, key string) *goredis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	TTL(ctx context.Context, key string) *goredis.DurationCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

type slogAdapter struct{ logger *slog.Logger }

func (a slogAdapter) Printf(ctx context.Context, format string, v ...any) {
	a.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger routes go-redis pool and failover messages through logger.
// Call once at startup before any client is created.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(slogAdapter{logger: logger})
}

// Commands are never retried by go-redis. A failed INCR may or may not have
// been applied, and the gateway handles every store failure by its policy.
const noRetries = -1

// connection is the topology-independent part of RedisConfig with defaults
// applied and secrets unwrapped.
type connection struct {
	addrs        []string
	username     string
	password     string
	db           int
	poolSize     int
	dialTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	tls          *tls.Config
}

var builders = map[config.RedisMode]func(config.RedisConfig, connection) Client{
	config.RedisModeSingle: func(_ config.RedisConfig, c connection) Client {
		return goredis.NewClient(&goredis.Options{
			Addr:         c.addrs[0],
			Username:     c.username,
			Password:     c.password,
			DB:           c.db,
			PoolSize:     c.poolSize,
			DialTimeout:  c.dialTimeout,
			ReadTimeout:  c.readTimeout,
			WriteTimeout: c.writeTimeout,
			MaxRetries:   noRetries,
			TLSConfig:    c.tls,
		})
	},
	config.RedisModeSentinel: func(cfg config.RedisConfig, c connection) Client {
		return goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    c.addrs,
			SentinelUsername: cfg.SentinelUsername,
			SentinelPassword: cfg.SentinelPassword.Value(),
			Username:         c.username,
			Password:         c.password,
			DB:               c.db,
			PoolSize:         c.poolSize,
			DialTimeout:      c.dialTimeout,
			ReadTimeout:      c.readTimeout,
			WriteTimeout:     c.writeTimeout,
			MaxRetries:       noRetries,
			TLSConfig:        c.tls,
		})
	},
	config.RedisModeCluster: func(_ config.RedisConfig, c connection) Client {
		return goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        c.addrs,
			Username:     c.username,
			Password:     c.password,
			PoolSize:     c.poolSize,
			DialTimeout:  c.dialTimeout,
			ReadTimeout:  c.readTimeout,
			WriteTimeout: c.writeTimeout,
			MaxRetries:   noRetries,
			TLSConfig:    c.tls,
		})
	},
}

// NewClient creates a client for the configured topology. It does not
// contact the server: connections are dialed on first use, so an
// unreachable store degrades requests instead of preventing startup.
// Readiness with ?deep=true reports whether it is reachable.
func NewClient(cfg config.RedisConfig) (Client, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}
	build, ok := builders[mode]
	if !ok {
		return nil, fmt.Errorf("unknown redis mode: %s", mode)
	}

	conn, err := newConnection(cfg)
	if err != nil {
		return nil, err
	}
	if mode == config.RedisModeSentinel && cfg.MasterName == "" {
		return nil, errors.New("sentinel mode requires master_name")
	}
	return build(cfg, conn), nil
}

func newConnection(cfg config.RedisConfig) (connection, error) {
	if len(cfg.Endpoints) == 0 {
		return connection{}, errors.New("no redis endpoints configured")
	}

	c := connection{
		addrs:    cfg.Endpoints,
		username: cfg.Username,
		password: cfg.Password.Value(),
		db:       cfg.DB,
		poolSize: cfg.PoolSize,
	}
	if c.poolSize <= 0 {
		c.poolSize = 10
	}

	for _, tt := range []struct {
		name  string
		value string
		def   time.Duration
		dst   *time.Duration
	}{
		{"dial_timeout", cfg.DialTimeout, 5 * time.Second, &c.dialTimeout},
		{"read_timeout", cfg.ReadTimeout, 3 * time.Second, &c.readTimeout},
		{"write_timeout", cfg.WriteTimeout, 3 * time.Second, &c.writeTimeout},
	} {
		d, err := config.ParseDuration(tt.value, tt.def)
		if err != nil {
			return connection{}, fmt.Errorf("invalid %s: %w", tt.name, err)
		}
		*tt.dst = d
	}

	if cfg.TLS.Enabled {
		c.tls = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // opt-in via config, warned at startup.
		}
	}
	return c, nil
}

// WarnInsecureTLS logs a warning when certificate verification is disabled.
func WarnInsecureTLS(cfg config.RedisTLSConfig, logger *slog.Logger) {
	if cfg.Enabled && cfg.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled (insecure_skip_verify=true)")
	}
}

var connectivityMarkers = []string{
	"connection refused", "connection reset", "broken pipe",
	"EOF", "no such host", "no route to host",
	"network is unreachable", "i/o timeout",
	"CLUSTERDOWN", "LOADING", "MASTERDOWN",
}

// IsConnectivityErr reports whether err means the server could not be
// reached in time, as opposed to a reply the server sent. A canceled
// context is the caller giving up and does not count.
func IsConnectivityErr(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := err.Error()
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
