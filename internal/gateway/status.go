package gateway

import (
	"net/http"

	"github.com/aiprompter/aiprompter/internal/middleware"
	"github.com/aiprompter/aiprompter/internal/ratelimit"
)

// Status handles GET /api/rate. It never counts a request and always
// answers 200.
func (g *Gateway) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := g.withRequestTimeout(r.Context())
	defer cancel()

	q, ok := g.readStatus(r.WithContext(ctx))
	if !ok {
		middleware.WriteJSON(w, http.StatusOK, errorBody{Error: "unavailable"})
		return
	}
	setRateHeaders(w, q)
	middleware.WriteJSON(w, http.StatusOK, q)
}

func (g *Gateway) readStatus(r *http.Request) (q ratelimit.Quota, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("status read failed", "panic", rec)
			ok = false
		}
	}()

	ctx, span := tracer.Start(r.Context(), "ratelimit.ReadStatus")
	defer span.End()
	return g.limiter.ReadStatus(ctx, g.fingerprint(r)), true
}
