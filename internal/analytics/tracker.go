// Package analytics keeps anonymous aggregate usage counters in the shared
// counter store. Only totals are recorded: per-type daily and hourly
// request counts plus daily counts by referrer domain, country, and
// browser family. No identifiers are stored.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/observability"
	"github.com/aiprompter/aiprompter/internal/ratelimit"
	"github.com/aiprompter/aiprompter/internal/store"
)

const (
	shortRetention = 7 * 24 * time.Hour
	longRetention  = 30 * 24 * time.Hour

	// EventEnhance is recorded for every admitted enhancement.
	EventEnhance = "enhance"
)

// Event is one anonymous usage occurrence. Empty metadata fields are not
// counted.
type Event struct {
	Type      string
	Referrer  string
	Country   string
	UserAgent string
	Time      time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for event stamping and summaries.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithOpTimeout bounds each store command issued while flushing.
func WithOpTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.opTimeout = d }
}

// Tracker buffers events and writes them to the store from a single
// background goroutine. Track never blocks; when the buffer is full the
// oldest event is dropped.
type Tracker struct {
	store   store.Store
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	enabled       bool
	batchSize     int
	bufferSize    int
	flushInterval time.Duration
	opTimeout     time.Duration

	ring     []Event
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTracker starts a tracker writing to st. Tracking is off when cfg is
// disabled or st is unconfigured; Summary still reads from st either way.
func NewTracker(cfg config.AnalyticsConfig, st store.Store, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Tracker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	_, unconfigured := st.(store.Unconfigured)

	t := &Tracker{
		store:         st,
		logger:        logger.With("component", "analytics"),
		metrics:       metrics,
		now:           time.Now,
		enabled:       cfg.Enabled && !unconfigured,
		batchSize:     batchSize,
		bufferSize:    bufferSize,
		flushInterval: config.MustParseDuration(cfg.FlushInterval, 2*time.Second),
		opTimeout:     2 * time.Second,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.enabled {
		t.ring = make([]Event, t.bufferSize)
		t.wg.Add(1)
		go t.flushLoop()
	}
	return t
}

// Enabled reports whether Track records events.
func (t *Tracker) Enabled() bool { return t.enabled }

// Track enqueues ev. It never blocks and never fails.
func (t *Tracker) Track(ev Event) {
	if !t.enabled {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = t.now()
	}

	t.ringMu.Lock()
	t.ring[t.ringTail] = ev
	t.ringTail = (t.ringTail + 1) % t.bufferSize
	if t.ringLen == t.bufferSize {
		t.ringHead = (t.ringHead + 1) % t.bufferSize
		t.metrics.IncAnalyticsDropped()
	} else {
		t.ringLen++
	}
	shouldFlush := t.ringLen >= t.batchSize
	t.ringMu.Unlock()

	if shouldFlush {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and writes whatever is still buffered.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		if t.enabled {
			t.flush()
		}
	})
	return nil
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.flush()
		case <-t.flushCh:
			t.flush()
		}
	}
}

func (t *Tracker) flush() {
	for {
		batch := t.drain()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			t.write(ev)
		}
	}
}

func (t *Tracker) drain() []Event {
	t.ringMu.Lock()
	defer t.ringMu.Unlock()

	if t.ringLen == 0 {
		return nil
	}
	n := min(t.ringLen, t.batchSize)

	batch := make([]Event, n)
	for i := range n {
		batch[i] = t.ring[(t.ringHead+i)%t.bufferSize]
	}
	t.ringHead = (t.ringHead + n) % t.bufferSize
	t.ringLen -= n
	return batch
}

func (t *Tracker) write(ev Event) {
	for _, c := range counterKeys(ev) {
		if err := t.bump(c.key, c.ttl); err != nil {
			t.metrics.IncAnalyticsErrors()
			t.logger.Debug("analytics write failed", "key", c.key, "error", err)
			// The store is likely down; the rest of this event would fail too.
			return
		}
	}
}

func (t *Tracker) bump(key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opTimeout)
	defer cancel()

	if _, err := t.store.Incr(ctx, key); err != nil {
		return err
	}
	_, err := t.store.Expire(ctx, key, ttl)
	return err
}

type counter struct {
	key string
	ttl time.Duration
}

func counterKeys(ev Event) []counter {
	day := ratelimit.DayKey(ev.Time)
	hour := fmt.Sprintf("%s:%02d", day, ev.Time.UTC().Hour())

	keys := []counter{
		{"analytics:" + ev.Type + ":day:" + day, shortRetention},
		{"analytics:" + ev.Type + ":hour:" + hour, shortRetention},
	}
	if ev.Referrer != "" {
		keys = append(keys, counter{"analytics:referrer:" + ReferrerDomain(ev.Referrer) + ":day:" + day, longRetention})
	}
	if ev.Country != "" && ev.Country != UnknownCountry {
		keys = append(keys, counter{"analytics:country:" + ev.Country + ":day:" + day, longRetention})
	}
	if ev.UserAgent != "" {
		keys = append(keys, counter{"analytics:browser:" + BrowserCategory(ev.UserAgent) + ":day:" + day, longRetention})
	}
	return keys
}

// DaySummary is the enhancement count for one UTC day.
type DaySummary struct {
	Date     string `json:"date"`
	Requests int64  `json:"requests"`
}

// Summary returns enhancement counts for the last days UTC days including
// today, oldest first. Missing or non-numeric counters read as zero.
func (t *Tracker) Summary(ctx context.Context, days int) ([]DaySummary, error) {
	today := t.now().UTC()
	out := make([]DaySummary, days)

	for i := range days {
		day := ratelimit.DayKey(today.AddDate(0, 0, -i))
		raw, ok, err := t.store.Get(ctx, "analytics:"+EventEnhance+":day:"+day)
		if err != nil {
			return nil, fmt.Errorf("reading analytics for %s: %w", day, err)
		}
		var n int64
		if ok {
			n, _ = strconv.ParseInt(raw, 10, 64)
		}
		out[days-1-i] = DaySummary{Date: day, Requests: n}
	}
	return out, nil
}
