package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aiprompter/aiprompter/internal/analytics"
	"github.com/aiprompter/aiprompter/internal/completion"
	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/middleware"
	"github.com/aiprompter/aiprompter/internal/ratelimit"
	"github.com/aiprompter/aiprompter/internal/store"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type enhanceRequest struct {
	Prompt string          `json:"prompt" validate:"required"`
	Type   completion.Kind `json:"type"   validate:"omitempty,oneof=rewrite summarize brainstorm"`
}

type enhanceResponse struct {
	Text string `json:"text"`
}

type rateLimitedResponse struct {
	Error        string `json:"error"`
	Detail       string `json:"detail"`
	ResetSeconds int64  `json:"reset_seconds"`
	Remaining    int64  `json:"remaining"`
	Limit        int64  `json:"limit"`
}

type upstreamErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Enhance handles POST /api/enhance.
func (g *Gateway) Enhance(w http.ResponseWriter, r *http.Request) {
	if !g.enhancer.Configured() {
		g.logger.Error("enhance request rejected", "error", ErrMissingCredential)
		middleware.WriteJSON(w, http.StatusInternalServerError,
			errorBody{Error: "configuration_error", Detail: ErrMissingCredential.Error()})
		return
	}

	req, ok := g.decodeEnhance(w, r)
	if !ok {
		return
	}
	if req.Type == "" {
		req.Type = completion.KindRewrite
	}

	g.tracker.Track(analytics.FromRequest(analytics.EventEnhance, r))

	ctx, cancel := g.withRequestTimeout(r.Context())
	defer cancel()
	r = r.WithContext(ctx)

	quota, admitted := g.admit(w, r)
	if !admitted {
		return
	}

	start := time.Now()
	text, err := g.enhancer.Enhance(ctx, req.Prompt, req.Type)
	g.metrics.PromUpstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		g.writeUpstreamError(w, err)
		return
	}

	if quota != nil {
		setRateHeaders(w, *quota)
	}
	middleware.WriteJSON(w, http.StatusOK, enhanceResponse{Text: text})
}

func (g *Gateway) decodeEnhance(w http.ResponseWriter, r *http.Request) (enhanceRequest, bool) {
	var req enhanceRequest
	body := http.MaxBytesReader(w, r.Body, g.maxBodyBytes.Load())
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			middleware.WriteJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large"})
		case errors.As(err, &typeErr) && typeErr.Field == "prompt":
			middleware.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "Missing prompt"})
		default:
			middleware.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		}
		return req, false
	}

	if err := g.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Type" {
			middleware.WriteJSON(w, http.StatusBadRequest, errorBody{
				Error:  "Invalid type",
				Detail: "type must be one of rewrite, summarize, brainstorm",
			})
			return req, false
		}
		middleware.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "Missing prompt"})
		return req, false
	}
	return req, true
}

// admit runs the daily limit check. It returns the quota to report on
// success (nil when the request was let through without a count) and
// whether the request may proceed. When it returns false a response has
// already been written.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request) (*ratelimit.Quota, bool) {
	ctx, span := tracer.Start(r.Context(), "ratelimit.CheckAndIncrement")
	defer span.End()

	fp := g.fingerprint(r)
	dec, err := g.limiter.CheckAndIncrement(ctx, fp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter store unavailable")
		g.metrics.IncStoreErrors()
		return g.applyFailurePolicy(w, r, fp, err)
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", dec.Allowed),
		attribute.Int64("ratelimit.remaining", dec.Remaining),
	)
	return g.decide(w, dec)
}

func (g *Gateway) decide(w http.ResponseWriter, dec ratelimit.Decision) (*ratelimit.Quota, bool) {
	if !dec.Allowed {
		g.metrics.IncLimited()
		setRateHeaders(w, dec.Quota)
		middleware.WriteJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
			Error:        "rate_limited",
			Detail:       "Daily limit reached",
			ResetSeconds: dec.TTLSeconds,
			Remaining:    0,
			Limit:        dec.Limit,
		})
		return nil, false
	}
	g.metrics.IncAllowed()
	g.metrics.ObserveRemaining(dec.Remaining)
	return &dec.Quota, true
}

func (g *Gateway) applyFailurePolicy(w http.ResponseWriter, r *http.Request, fp string, cause error) (*ratelimit.Quota, bool) {
	policy := g.failurePolicy()
	g.metrics.IncPolicyApplied(string(policy))
	g.logger.Warn("counter store unavailable, applying failure policy",
		"policy", policy, "reason", store.Reason(cause), "error", cause,
		"request_id", middleware.RequestID(r.Context()))

	switch policy {
	case config.FailurePolicyFailClosed:
		w.Header().Set("Retry-After", "60")
		middleware.WriteJSON(w, http.StatusServiceUnavailable,
			errorBody{Error: "rate_limit_unavailable", Detail: "Daily limit could not be checked"})
		return nil, false
	case config.FailurePolicyInMemoryFallback:
		return g.decide(w, g.fallbackLimiter(g.limiter.Limit()).CheckAndIncrement(fp))
	default:
		return nil, true
	}
}

func (g *Gateway) writeUpstreamError(w http.ResponseWriter, err error) {
	resp := upstreamErrorResponse{Error: "upstream_error", Detail: err.Error()}
	var upErr *completion.UpstreamError
	if errors.As(err, &upErr) {
		resp.Status = upErr.StatusCode
		resp.Detail = upErr.Detail
	}
	g.metrics.IncUpstreamErrors(strconv.Itoa(resp.Status))
	g.logger.Warn("completion failed", "status", resp.Status, "error", err)
	middleware.WriteJSON(w, http.StatusBadGateway, resp)
}
