// Package usage is the client-side daily counter. It mirrors the server's
// quota so a client can refuse early and show the time until reset while
// offline. It is advisory only: the server decides.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/aiprompter/aiprompter/internal/ratelimit"
)

// Record is the persisted local usage for one UTC day.
type Record struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// RecordStore persists a single Record.
type RecordStore interface {
	// Get returns the stored record. ok is false when nothing is stored.
	Get() (rec Record, ok bool, err error)
	Put(rec Record) error
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// Counter tracks local usage against a daily limit. A record from an earlier
// UTC day is replaced by a zero record for today on the next read.
// Read failures count as no record and write failures are ignored.
type Counter struct {
	records RecordStore
	limit   int
	now     func() time.Time
	mu      sync.Mutex
}

// NewCounter returns a counter over records allowing limit uses per day.
func NewCounter(records RecordStore, limit int, opts ...Option) *Counter {
	c := &Counter{records: records, limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit returns the configured daily limit.
func (c *Counter) Limit() int { return c.limit }

// Usage returns today's record, resetting and persisting a stale one.
func (c *Counter) Usage() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage()
}

func (c *Counter) usage() Record {
	today := ratelimit.DayKey(c.now())

	rec, ok, err := c.records.Get()
	if err != nil || !ok {
		return Record{Date: today}
	}
	if rec.Date != today {
		fresh := Record{Date: today}
		_ = c.records.Put(fresh)
		return fresh
	}
	rec.Count = max(rec.Count, 0)
	return rec
}

// RecordUse counts one use, never beyond the limit, and persists it.
func (c *Counter) RecordUse() Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.usage()
	rec.Count = min(rec.Count+1, c.limit)
	_ = c.records.Put(rec)
	return rec
}

// Reconcile overwrites today's count from a server-reported remaining quota.
func (c *Counter) Reconcile(remaining int) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := Record{
		Date:  ratelimit.DayKey(c.now()),
		Count: min(max(c.limit-remaining, 0), c.limit),
	}
	_ = c.records.Put(rec)
	return rec
}

// Remaining returns max(0, limit - today's count).
func (c *Counter) Remaining() int {
	return max(c.limit-c.Usage().Count, 0)
}

// UntilReset returns the time until the next UTC midnight.
func (c *Counter) UntilReset() time.Duration {
	now := c.now()
	return max(ratelimit.NextUTCMidnight(now).Sub(now), 0)
}

// FormatDuration renders d as "Xh Ym", or "Ym" under an hour. Seconds are
// rounded up before splitting.
func FormatDuration(d time.Duration) string {
	total := int64((d + time.Second - 1) / time.Second)
	if d <= 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
