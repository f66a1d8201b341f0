// Package middleware holds the HTTP pipeline wrapped around every API
// route: request correlation, security headers, panic recovery, tracing,
// access logging, and request duration metrics.
package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/aiprompter/aiprompter/internal/observability"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aiprompter.http")

// RequestIDHeader is the canonical HTTP header for request correlation.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

// requestIDRng is a CSPRNG seeded from crypto/rand. ChaCha8 avoids a
// syscall per ID.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

var rngMu sync.Mutex

// generateRequestID creates a 16-byte hex-encoded random ID.
func generateRequestID() string {
	var buf [16]byte
	rngMu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	rngMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts client IDs made of alphanumerics, hyphens,
// underscores, dots, and colons, up to maxRequestIDLen bytes.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

type requestIDKey struct{}

// RequestID returns the correlation ID stored on ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"error":"internal_error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Pipeline is the per-request wrapper installed on the API router.
type Pipeline struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	propagator propagation.TextMapPropagator
}

// NewPipeline creates a pipeline reporting to logger and metrics.
func NewPipeline(logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		logger:     logger.With("component", "http"),
		metrics:    metrics,
		propagator: propagation.TraceContext{},
	}
}

// Handler wraps next. It must be installed with chi's Router.Use so the
// matched route pattern is visible once next returns.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = http.StatusOK
		sw.written = false

		reqID := r.Header.Get(RequestIDHeader)
		if !validRequestID(reqID) {
			reqID = generateRequestID()
			r.Header.Set(RequestIDHeader, reqID)
		}
		h := sw.Header()
		h.Set(RequestIDHeader, reqID)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")

		ctx := p.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = context.WithValue(ctx, requestIDKey{}, reqID)
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("request.id", reqID),
			))
		r = r.WithContext(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				p.logger.Error("panic serving request",
					"panic", rec, "request_id", reqID, "stack", string(debug.Stack()))
				span.SetStatus(codes.Error, "panic")
				if !sw.written {
					WriteJSON(sw, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
				}
			}

			route := routePattern(r)
			status := strconv.Itoa(sw.code)
			duration := time.Since(start)

			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.code),
			)
			if sw.code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.code))
			}
			span.End()

			p.metrics.PromRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
			p.logger.Info("access",
				"method", r.Method,
				"route", route,
				"status", sw.code,
				"duration_ms", duration.Milliseconds(),
				"request_id", reqID,
			)

			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		}()

		next.ServeHTTP(sw, r)
	})
}

// routePattern returns the matched chi pattern, keeping unmatched paths out
// of metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
