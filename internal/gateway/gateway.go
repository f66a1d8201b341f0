// Package gateway serves the public API: prompt enhancement behind the
// per-visitor daily limit, the quota status read, and the analytics
// summary.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiprompter/aiprompter/internal/analytics"
	"github.com/aiprompter/aiprompter/internal/completion"
	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/observability"
	"github.com/aiprompter/aiprompter/internal/ratelimit"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("aiprompter.gateway")

// ErrMissingCredential is reported when no upstream API key is configured.
var ErrMissingCredential = errors.New("upstream API key is not configured")

// Rate headers set on admitted, denied, and status responses.
const (
	HeaderLimit     = "x-rate-limit"
	HeaderRemaining = "x-rate-remaining"
	HeaderReset     = "x-rate-reset"
)

const defaultMaxBodyBytes = 64 << 10

// Enhancer performs the completion call for an admitted request.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string, kind completion.Kind) (string, error)
	Configured() bool
}

// Tracker records anonymous usage and reads the daily summary.
type Tracker interface {
	Track(ev analytics.Event)
	Summary(ctx context.Context, days int) ([]analytics.DaySummary, error)
}

// Deps are the collaborators a Gateway is built from.
type Deps struct {
	Limiter  *ratelimit.DailyLimiter
	Enhancer Enhancer
	Tracker  Tracker
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	// Clock is passed to the in-memory fallback limiter. Nil means time.Now.
	Clock func() time.Time
}

// Gateway holds the handlers. Limit, failure policy, fingerprint secret,
// request timeout, and body size are hot-reloadable.
type Gateway struct {
	limiter  *ratelimit.DailyLimiter
	enhancer Enhancer
	tracker  Tracker
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time
	validate *validator.Validate

	policy         atomic.Value // config.FailurePolicy
	secret         atomic.Pointer[string]
	requestTimeout atomic.Int64
	maxBodyBytes   atomic.Int64

	fallbackMu sync.Mutex
	fallback   atomic.Pointer[ratelimit.InMemoryDailyLimiter]
}

// New creates a gateway configured from cfg.
func New(cfg *config.Config, deps Deps) *Gateway {
	g := &Gateway{
		limiter:  deps.Limiter,
		enhancer: deps.Enhancer,
		tracker:  deps.Tracker,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "gateway"),
		clock:    deps.Clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	g.apply(cfg)
	return g
}

// Reload applies the reloadable settings of cfg.
func (g *Gateway) Reload(cfg *config.Config) {
	g.apply(cfg)
	g.logger.Info("gateway settings reloaded",
		"daily_limit", cfg.RateLimit.DailyLimit,
		"failure_policy", cfg.RateLimit.FailurePolicy)
}

func (g *Gateway) apply(cfg *config.Config) {
	rl := cfg.RateLimit
	policy := rl.FailurePolicy
	if policy == "" {
		policy = config.FailurePolicyPassThrough
	}

	g.limiter.SetLimit(rl.DailyLimit)
	g.policy.Store(policy)
	secret := rl.Secret.Value()
	g.secret.Store(&secret)
	g.requestTimeout.Store(int64(config.MustParseDuration(cfg.Server.RequestTimeout, 75*time.Second)))

	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	g.maxBodyBytes.Store(maxBody)

	if fb := g.fallback.Load(); fb != nil {
		fb.SetLimit(rl.DailyLimit)
	} else if policy == config.FailurePolicyInMemoryFallback {
		g.fallbackLimiter(rl.DailyLimit)
	}
}

// fallbackLimiter returns the in-memory limiter, creating it on first use.
func (g *Gateway) fallbackLimiter(limit int64) *ratelimit.InMemoryDailyLimiter {
	if fb := g.fallback.Load(); fb != nil {
		return fb
	}
	g.fallbackMu.Lock()
	defer g.fallbackMu.Unlock()
	if fb := g.fallback.Load(); fb != nil {
		return fb
	}
	fb := ratelimit.NewInMemoryDailyLimiter(limit, ratelimit.WithClock(g.clock))
	g.fallback.Store(fb)
	return fb
}

func (g *Gateway) failurePolicy() config.FailurePolicy {
	return g.policy.Load().(config.FailurePolicy)
}

func (g *Gateway) fingerprint(r *http.Request) string {
	return ratelimit.FingerprintRequest(r, *g.secret.Load())
}

// withRequestTimeout bounds the work done for one request.
func (g *Gateway) withRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(g.requestTimeout.Load()))
}

// Close releases the in-memory fallback limiter, if one was created.
func (g *Gateway) Close() {
	if fb := g.fallback.Load(); fb != nil {
		fb.Close()
	}
}

func setRateHeaders(w http.ResponseWriter, q ratelimit.Quota) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.FormatInt(q.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(q.Remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(q.TTLSeconds, 10))
}

// errorBody is the JSON error shape of the API.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
