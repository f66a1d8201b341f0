package gateway

import (
	"net/http"
	"strconv"

	"github.com/aiprompter/aiprompter/internal/analytics"
	"github.com/aiprompter/aiprompter/internal/middleware"
)

const (
	defaultSummaryDays = 7
	maxSummaryDays     = 30
)

type summaryResponse struct {
	Summary []analytics.DaySummary `json:"summary"`
}

// Analytics handles GET /api/analytics?days=N.
func (g *Gateway) Analytics(w http.ResponseWriter, r *http.Request) {
	days := summaryDays(r.URL.Query().Get("days"))

	ctx, cancel := g.withRequestTimeout(r.Context())
	defer cancel()

	summary, err := g.tracker.Summary(ctx, days)
	if err != nil {
		g.logger.Warn("analytics summary failed", "error", err)
		middleware.WriteJSON(w, http.StatusInternalServerError,
			errorBody{Error: "Analytics unavailable", Detail: err.Error()})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, summaryResponse{Summary: summary})
}

// summaryDays parses the days parameter, defaulting to 7 and clamping to 1..30.
func summaryDays(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultSummaryDays
	}
	return min(max(n, 1), maxSummaryDays)
}
