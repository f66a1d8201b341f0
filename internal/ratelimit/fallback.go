package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget for the in-memory counters (64 MiB).
const defaultMaxCost = 64 << 20

type dayCounter struct {
	mu    sync.Mutex
	count int64
}

// counterCost approximates one entry: the counter plus its key
// (64 hex chars, a colon and a 10-char date).
var counterCost = int64(unsafe.Sizeof(dayCounter{})) + 75

// InMemoryDailyLimiter applies the daily limit from process memory while the
// counter store is unreachable. Counts are per instance: with N replicas a
// visitor may get up to N times the limit, and counts restart with the
// process.
type InMemoryDailyLimiter struct {
	cache *ristretto.Cache[string, *dayCounter]
	now   func() time.Time
	limit atomic.Int64

	// createMu serializes first-use insertion so that two concurrent first
	// requests do not both start from zero.
	createMu sync.Mutex
}

// NewInMemoryDailyLimiter creates a limiter allowing limit requests per
// fingerprint per UTC day. Only WithClock is honored among opts.
func NewInMemoryDailyLimiter(limit int64, opts ...Option) *InMemoryDailyLimiter {
	o := buildOptions(opts)

	cache, err := ristretto.NewCache(&ristretto.Config[string, *dayCounter]{
		NumCounters: (defaultMaxCost / counterCost) * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	l := &InMemoryDailyLimiter{cache: cache, now: o.now}
	l.limit.Store(limit)
	return l
}

// SetLimit changes the daily limit for subsequent calls.
func (l *InMemoryDailyLimiter) SetLimit(limit int64) {
	l.limit.Store(limit)
}

// CheckAndIncrement counts one request for fingerprint. Same contract as
// DailyLimiter.CheckAndIncrement, without a store to fail.
func (l *InMemoryDailyLimiter) CheckAndIncrement(fingerprint string) Decision {
	limit := l.limit.Load()
	now := l.now()
	ttl := SecondsUntilNextUTCMidnight(now)
	key := fingerprint + ":" + DayKey(now)

	c := l.counter(key, ttl)

	c.mu.Lock()
	c.count++
	count := c.count
	c.mu.Unlock()

	return Decision{Allowed: count <= limit, Quota: newQuota(count, limit, ttl)}
}

func (l *InMemoryDailyLimiter) counter(key string, ttl int64) *dayCounter {
	if c, ok := l.cache.Get(key); ok {
		return c
	}

	l.createMu.Lock()
	defer l.createMu.Unlock()

	if c, ok := l.cache.Get(key); ok {
		return c
	}
	c := &dayCounter{}
	l.cache.SetWithTTL(key, c, counterCost, time.Duration(max(ttl, 1))*time.Second)
	// Wait makes the entry visible to the next Get; only first use pays.
	l.cache.Wait()
	return c
}

// Close releases the cache. Safe to call multiple times.
func (l *InMemoryDailyLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
