package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiprompter/aiprompter/internal/analytics"
	"github.com/aiprompter/aiprompter/internal/completion"
	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/middleware"
	"github.com/aiprompter/aiprompter/internal/observability"
	"github.com/aiprompter/aiprompter/internal/ratelimit"
	"github.com/aiprompter/aiprompter/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// 2025-03-14 20:00:00 UTC, four hours before the day rolls over.
var evening = time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)

type fakeEnhancer struct {
	mu         sync.Mutex
	calls      int
	lastPrompt string
	lastKind   completion.Kind
	text       string
	err        error
	noKey      bool
}

func (f *fakeEnhancer) Enhance(_ context.Context, prompt string, kind completion.Kind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPrompt = prompt
	f.lastKind = kind
	return f.text, f.err
}

func (f *fakeEnhancer) Configured() bool { return !f.noKey }

func (f *fakeEnhancer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTracker struct {
	mu      sync.Mutex
	events  []analytics.Event
	summary []analytics.DaySummary
	days    int
	err     error
}

func (f *fakeTracker) Track(ev analytics.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeTracker) Summary(_ context.Context, days int) ([]analytics.DaySummary, error) {
	f.days = days
	return f.summary, f.err
}

type harness struct {
	handler  http.Handler
	gw       *Gateway
	mr       *miniredis.Miniredis
	enhancer *fakeEnhancer
	tracker  *fakeTracker
	metrics  *observability.Metrics
	cfg      *config.Config
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewRedisStore(client, 500*time.Millisecond)

	cfg := config.Defaults()
	cfg.RateLimit.Secret = "test-secret"
	for _, m := range mutate {
		m(cfg)
	}

	clock := func() time.Time { return evening }
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	enhancer := &fakeEnhancer{text: "better prompt"}
	tracker := &fakeTracker{}

	gw := New(cfg, Deps{
		Limiter:  ratelimit.NewDailyLimiter(st, cfg.RateLimit.DailyLimit, cfg.RateLimit.KeyPrefix, testLogger, ratelimit.WithClock(clock)),
		Enhancer: enhancer,
		Tracker:  tracker,
		Metrics:  metrics,
		Logger:   testLogger,
		Clock:    clock,
	})
	t.Cleanup(gw.Close)

	return &harness{
		handler:  gw.Router(middleware.NewPipeline(testLogger, metrics), cfg.CORS.AllowedOrigins),
		gw:       gw,
		mr:       mr,
		enhancer: enhancer,
		tracker:  tracker,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (h *harness) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("User-Agent", "test-agent")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) enhance(body string) *httptest.ResponseRecorder {
	return h.do(http.MethodPost, "/api/enhance", body)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestEnhanceAdmitted(t *testing.T) {
	h := newHarness(t)

	rr := h.enhance(`{"prompt":"write a poem","type":"summarize"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"text":"better prompt"}`, rr.Body.String())
	assert.Equal(t, "5", rr.Header().Get(HeaderLimit))
	assert.Equal(t, "4", rr.Header().Get(HeaderRemaining))
	assert.Equal(t, "14400", rr.Header().Get(HeaderReset))

	assert.Equal(t, "write a poem", h.enhancer.lastPrompt)
	assert.Equal(t, completion.KindSummarize, h.enhancer.lastKind)
	assert.Equal(t, int64(1), h.metrics.Snapshot().Allowed)

	fp := ratelimit.Fingerprint("203.0.113.7", "test-agent", "test-secret")
	v, err := h.mr.Get("rl:" + fp + ":2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, 4*time.Hour, h.mr.TTL("rl:"+fp+":2025-03-14"))
}

func TestEnhanceDefaultsToRewrite(t *testing.T) {
	h := newHarness(t)
	rr := h.enhance(`{"prompt":"x"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, completion.KindRewrite, h.enhancer.lastKind)
}

func TestEnhanceSixthRequestLimited(t *testing.T) {
	h := newHarness(t)

	for i := range 5 {
		rr := h.enhance(`{"prompt":"x"}`)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
	}

	rr := h.enhance(`{"prompt":"x"}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.JSONEq(t, `{"error":"rate_limited","detail":"Daily limit reached","reset_seconds":14400,"remaining":0,"limit":5}`, rr.Body.String())
	assert.Equal(t, "0", rr.Header().Get(HeaderRemaining))
	assert.Equal(t, "5", rr.Header().Get(HeaderLimit))
	assert.Equal(t, "14400", rr.Header().Get(HeaderReset))

	assert.Equal(t, 5, h.enhancer.Calls())
	assert.Equal(t, int64(1), h.metrics.Snapshot().Limited)
}

func TestEnhanceRejections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		code  int
		error string
	}{
		{"invalid json", `{"prompt":`, http.StatusBadRequest, "Invalid JSON body"},
		{"missing prompt", `{"type":"rewrite"}`, http.StatusBadRequest, "Missing prompt"},
		{"empty prompt", `{"prompt":""}`, http.StatusBadRequest, "Missing prompt"},
		{"non-string prompt", `{"prompt":42}`, http.StatusBadRequest, "Missing prompt"},
		{"unknown type", `{"prompt":"x","type":"translate"}`, http.StatusBadRequest, "Invalid type"},
		{"too large", `{"prompt":"` + strings.Repeat("a", 70<<10) + `"}`, http.StatusRequestEntityTooLarge, "Request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rr := h.enhance(tt.body)
			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.error, decode(t, rr)["error"])
			assert.Zero(t, h.enhancer.Calls())
			assert.Empty(t, h.mr.Keys(), "rejected requests must not count")
		})
	}
}

func TestEnhanceMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodGet, "/api/enhance", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "Method not allowed", decode(t, rr)["error"])
}

func TestEnhanceMissingCredential(t *testing.T) {
	h := newHarness(t)
	h.enhancer.noKey = true

	rr := h.enhance(`{"prompt":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "configuration_error", decode(t, rr)["error"])
	assert.Empty(t, h.mr.Keys())
}

func TestEnhanceTracksAnalytics(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/api/enhance", `{"prompt":"x"}`,
		"Referer", "https://www.example.com/", "CF-IPCountry", "DE")

	require.Len(t, h.tracker.events, 1)
	ev := h.tracker.events[0]
	assert.Equal(t, analytics.EventEnhance, ev.Type)
	assert.Equal(t, "https://www.example.com/", ev.Referrer)
	assert.Equal(t, "DE", ev.Country)
	assert.Equal(t, "test-agent", ev.UserAgent)
}

func TestEnhanceUpstreamError(t *testing.T) {
	t.Run("non-2xx reply", func(t *testing.T) {
		h := newHarness(t)
		h.enhancer.err = &completion.UpstreamError{StatusCode: 429, Detail: "slow down"}

		rr := h.enhance(`{"prompt":"x"}`)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.JSONEq(t, `{"error":"upstream_error","status":429,"detail":"slow down"}`, rr.Body.String())
		assert.Equal(t, int64(1), h.metrics.Snapshot().UpstreamErrors)

		// The attempt still counts against today's quota.
		q := h.gw.limiter.ReadStatus(context.Background(), ratelimit.Fingerprint("203.0.113.7", "test-agent", "test-secret"))
		assert.Equal(t, int64(1), q.Count)
	})

	t.Run("transport failure", func(t *testing.T) {
		h := newHarness(t)
		h.enhancer.err = &completion.UpstreamError{Detail: "connection refused"}

		rr := h.enhance(`{"prompt":"x"}`)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		body := decode(t, rr)
		assert.Equal(t, "upstream_error", body["error"])
		assert.InDelta(t, 0, body["status"], 0)
	})
}

func TestEnhanceStoreUnavailable(t *testing.T) {
	t.Run("passthrough admits without headers", func(t *testing.T) {
		h := newHarness(t)
		h.mr.Close()

		rr := h.enhance(`{"prompt":"x"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Header().Get(HeaderLimit))
		assert.Empty(t, rr.Header().Get(HeaderRemaining))
		assert.Equal(t, 1, h.enhancer.Calls())
		assert.Equal(t, int64(1), h.metrics.Snapshot().StoreErrors)
	})

	t.Run("failclosed rejects", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
		})
		h.mr.Close()

		rr := h.enhance(`{"prompt":"x"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "rate_limit_unavailable", decode(t, rr)["error"])
		assert.Zero(t, h.enhancer.Calls())
	})

	t.Run("inmemoryfallback enforces the limit locally", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.RateLimit.FailurePolicy = config.FailurePolicyInMemoryFallback
			c.RateLimit.DailyLimit = 2
		})
		h.mr.Close()

		for range 2 {
			rr := h.enhance(`{"prompt":"x"}`)
			require.Equal(t, http.StatusOK, rr.Code)
		}
		rr := h.enhance(`{"prompt":"x"}`)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "0", rr.Header().Get(HeaderRemaining))
		assert.Equal(t, 2, h.enhancer.Calls())
	})
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.enhance(`{"prompt":"x"}`)
	h.enhance(`{"prompt":"x"}`)

	rr := h.do(http.MethodGet, "/api/rate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"remaining":3,"limit":5,"reset_seconds":14400,"count":2}`, rr.Body.String())
	assert.Equal(t, "3", rr.Header().Get(HeaderRemaining))

	// Reading status never counts.
	rr = h.do(http.MethodGet, "/api/rate", "")
	assert.Equal(t, float64(2), decode(t, rr)["count"])
}

func TestStatusStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.mr.Close()

	rr := h.do(http.MethodGet, "/api/rate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"remaining":5,"limit":5,"reset_seconds":14400,"count":0}`, rr.Body.String())
}

func TestStatusMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/api/rate", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAnalyticsHandler(t *testing.T) {
	t.Run("clamps days", func(t *testing.T) {
		h := newHarness(t)
		h.tracker.summary = []analytics.DaySummary{{Date: "2025-03-14", Requests: 3}}

		for raw, want := range map[string]int{"": 7, "abc": 7, "0": 1, "-4": 1, "12": 12, "99": 30} {
			rr := h.do(http.MethodGet, "/api/analytics?days="+raw, "")
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, want, h.tracker.days, raw)
		}
		rr := h.do(http.MethodGet, "/api/analytics", "")
		assert.JSONEq(t, `{"summary":[{"date":"2025-03-14","requests":3}]}`, rr.Body.String())
	})

	t.Run("store failure", func(t *testing.T) {
		h := newHarness(t)
		h.tracker.err = errors.New("store down")

		rr := h.do(http.MethodGet, "/api/analytics", "")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":"Analytics unavailable","detail":"store down"}`, rr.Body.String())
	})
}

func TestReload(t *testing.T) {
	h := newHarness(t)

	next := config.Defaults()
	next.RateLimit.Secret = "test-secret"
	next.RateLimit.DailyLimit = 1
	next.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
	h.gw.Reload(next)

	require.Equal(t, http.StatusOK, h.enhance(`{"prompt":"x"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.enhance(`{"prompt":"x"}`).Code)

	h.mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, h.enhance(`{"prompt":"x"}`).Code)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.CORS.AllowedOrigins = []string{"https://app.example.com"}
	})

	rr := h.do(http.MethodOptions, "/api/enhance", "",
		"Origin", "https://app.example.com",
		"Access-Control-Request-Method", http.MethodPost)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = h.do(http.MethodGet, "/api/rate", "", "Origin", "https://app.example.com")
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "X-Rate-Remaining")
}
