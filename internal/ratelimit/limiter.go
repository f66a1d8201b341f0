// Package ratelimit enforces a per-visitor daily request quota. Visitors are
// identified by an HMAC fingerprint, counts live in the shared counter store
// under one key per visitor and UTC day, and an in-memory limiter can stand
// in when the store is unreachable.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aiprompter/aiprompter/internal/store"
)

// Quota is a visitor's standing for the current UTC day.
type Quota struct {
	Count      int64 `json:"count"`
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	TTLSeconds int64 `json:"reset_seconds"`
}

func newQuota(count, limit, ttl int64) Quota {
	return Quota{
		Count:      count,
		Limit:      limit,
		Remaining:  max(limit-count, 0),
		TTLSeconds: ttl,
	}
}

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Allowed bool
	Quota
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DailyLimiter counts requests per fingerprint per UTC day in the counter
// store. The store's INCR is the only synchronization point: concurrent
// requests for one visitor each observe a distinct count.
type DailyLimiter struct {
	store  store.Store
	prefix string
	logger *slog.Logger
	now    func() time.Time
	limit  atomic.Int64
}

// NewDailyLimiter creates a limiter allowing limit requests per visitor per
// day. Keys are prefix + fingerprint + ":" + YYYY-MM-DD.
func NewDailyLimiter(st store.Store, limit int64, prefix string, logger *slog.Logger, opts ...Option) *DailyLimiter {
	o := buildOptions(opts)
	l := &DailyLimiter{
		store:  st,
		prefix: prefix,
		logger: logger.With("component", "daily-limiter"),
		now:    o.now,
	}
	l.limit.Store(limit)
	return l
}

// SetLimit changes the daily limit for subsequent calls.
func (l *DailyLimiter) SetLimit(limit int64) {
	l.limit.Store(limit)
}

// Limit returns the current daily limit.
func (l *DailyLimiter) Limit() int64 {
	return l.limit.Load()
}

func (l *DailyLimiter) key(fingerprint string, now time.Time) string {
	return l.prefix + fingerprint + ":" + DayKey(now)
}

// CheckAndIncrement counts one request for fingerprint and reports whether
// it is within today's limit. Denied requests are counted too, so Count may
// exceed Limit. The key's expiry is set once, when the count goes from 0 to
// 1, to the time remaining until the next UTC midnight.
//
// Store failures are returned wrapping store.ErrUnavailable; the caller
// decides whether to admit the request.
func (l *DailyLimiter) CheckAndIncrement(ctx context.Context, fingerprint string) (Decision, error) {
	limit := l.limit.Load()
	now := l.now()
	key := l.key(fingerprint, now)
	ttl := SecondsUntilNextUTCMidnight(now)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, err
	}

	if count == 1 {
		// EXPIRE 0 deletes the key, so the last second of the day still
		// gets a one-second lifetime.
		if _, err := l.store.Expire(ctx, key, time.Duration(max(ttl, 1))*time.Second); err != nil {
			return Decision{}, err
		}
	}

	return Decision{
		Allowed: count <= limit,
		Quota:   newQuota(count, limit, ttl),
	}, nil
}

// ReadStatus returns today's quota for fingerprint without counting a
// request. Store failures degrade to a zero count and a TTL computed from
// the clock; it never fails.
func (l *DailyLimiter) ReadStatus(ctx context.Context, fingerprint string) Quota {
	limit := l.limit.Load()
	now := l.now()
	key := l.key(fingerprint, now)
	ttl := SecondsUntilNextUTCMidnight(now)

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Debug("status read degraded", "error", err)
		return newQuota(0, limit, ttl)
	}

	var count int64
	if ok {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil && n > 0 {
			count = n
		}
	}

	d, ok, err := l.store.TTL(ctx, key)
	if err != nil {
		l.logger.Debug("status ttl read degraded", "error", err)
	} else if secs := int64(d / time.Second); ok && secs > 0 {
		ttl = secs
	}

	return newQuota(count, limit, ttl)
}
