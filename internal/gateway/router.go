package gateway

import (
	"net/http"

	"github.com/aiprompter/aiprompter/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Router mounts the API on a chi router behind pipeline. CORS is enabled
// only when allowedOrigins is non-empty.
func (g *Gateway) Router(pipeline *middleware.Pipeline, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(pipeline.Handler)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
			ExposedHeaders: []string{HeaderLimit, HeaderRemaining, HeaderReset, middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})

	r.Post("/api/enhance", g.Enhance)
	r.Get("/api/rate", g.Status)
	r.Get("/api/analytics", g.Analytics)
	return r
}
