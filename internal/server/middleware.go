// Package server implements the Gateway's HTTP surface: POST /v3/query and
// its supporting routes (spec §6).
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/batvault/gateway/internal/bverr"
	"github.com/batvault/gateway/internal/reqctx"
)

// requestIDMiddleware assigns a unique request ID to each request.
// Client-supplied IDs are accepted if they are reasonable length (≤128 chars)
// and contain only printable ASCII. Otherwise, a fresh UUID is generated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if !isValidRequestID(reqID) {
			reqID = uuid.New().String()
		}
		ctx := reqctx.WithRequestID(r.Context(), reqID)
		r.Header.Set("X-Request-Id", reqID)
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isValidRequestID checks that a client-supplied request ID is safe to log and echo.
func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x20 || c > 0x7e { // reject control chars and non-ASCII
			return false
		}
	}
	return true
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqctx.RequestID(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so the NDJSON query stream works through the
// middleware chain without buffering.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, enabling http.ResponseController
// and other Go 1.20+ features (Hijack, SetReadDeadline, etc.) to find it.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var (
	tracer           = otel.Tracer("batvault/gateway")
	httpMeter        = otel.GetMeterProvider().Meter("batvault/gateway")
	httpRequestCount otelmetric.Int64Counter
	httpDuration     otelmetric.Float64Histogram
)

func init() {
	var err error
	httpRequestCount, err = httpMeter.Int64Counter("http.server.request_count")
	if err != nil {
		httpRequestCount, _ = httpMeter.Int64Counter("http.server.request_count.fallback")
	}
	httpDuration, err = httpMeter.Float64Histogram("http.server.duration",
		otelmetric.WithUnit("ms"))
	if err != nil {
		httpDuration, _ = httpMeter.Float64Histogram("http.server.duration.fallback",
			otelmetric.WithUnit("ms"))
	}
}

// routePattern extracts the registered mux pattern for metrics/spans.
// Falls back to method + first two path segments if the pattern is empty.
func routePattern(r *http.Request) string {
	if pat := r.Pattern; pat != "" {
		return pat
	}
	parts := strings.SplitN(r.URL.Path, "/", 4)
	if len(parts) >= 3 {
		return r.Method + " /" + parts[1] + "/" + parts[2]
	}
	return r.Method + " " + r.URL.Path
}

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics. The span name and
// metric labels use the mux route pattern (e.g., "POST /v3/query")
// instead of the resolved URL path to avoid unbounded OTEL cardinality.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "http.request",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", reqctx.RequestID(r.Context())),
			),
		)
		defer span.End()

		// Inject trace context into response headers so clients can correlate
		// their downstream operations with the gateway's server-side trace.
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

		start := time.Now()

		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}
		next.ServeHTTP(sw, r.WithContext(ctx))

		pattern := routePattern(r)
		span.SetName(pattern)

		duration := time.Since(start)
		statusStr := strconv.Itoa(sw.statusCode)

		span.SetAttributes(attribute.Int("http.status_code", sw.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", pattern),
			attribute.String("http.status_code", statusStr),
		}

		httpRequestCount.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		httpDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// baggageMiddleware extracts the batvault.trace_id OTEL baggage member (if
// present) and sets it as a span attribute, so a calling service can pass
// its own trace id and have it correlate with the gateway-side span.
func baggageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bag := baggage.FromContext(r.Context())
		if member := bag.Member("batvault.trace_id"); member.Value() != "" {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.String("batvault.trace_id", member.Value()))
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware catches panics in downstream handlers, logs the stack trace,
// and returns a 500 error instead of crashing the server.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", reqctx.RequestID(r.Context()),
				)
				writeError(w, r, bverr.New(bverr.CodeInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS preflight requests and sets response headers.
// Only origins listed in allowedOrigins are reflected. A single entry of "*"
// permits any origin. CORS enforcement itself is informational only — the
// gateway has no session cookies to protect (spec §1 Non-goals).
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		originSet[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || originSet[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id, X-Snapshot-ETag, X-BV-Policy-Fingerprint")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security response headers.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// decodeJSON decodes a JSON request body into the target struct.
// Applies MaxBytesReader to prevent unbounded request bodies.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// writeJSON writes a JSON response body with no extra envelope — the
// gateway's payload shapes are defined directly by spec §6/§7.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

// writeError writes a taxonomy-tagged error as JSON, using its mapped HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err *bverr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	body := map[string]any{
		"code":       string(err.Code),
		"message":    err.Message,
		"request_id": reqctx.RequestID(r.Context()),
	}
	if err.Stage != "" {
		body["stage"] = err.Stage
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		slog.Warn("failed to encode JSON error response", "error", encErr)
	}
}
