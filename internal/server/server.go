package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/batvault/gateway/internal/artifacts"
	"github.com/batvault/gateway/internal/config"
	"github.com/batvault/gateway/internal/memoryapi"
	"github.com/batvault/gateway/internal/orchestrator"
	"github.com/batvault/gateway/internal/ratelimit"
)

// Server holds the HTTP surface's collaborators and builds the routed handler.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	memory  *memoryapi.Client
	sink    *artifacts.Sink
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New builds a Server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, orch *orchestrator.Orchestrator, memory *memoryapi.Client, sink *artifacts.Sink, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, orch: orch, memory: memory, sink: sink, limiter: limiter, logger: logger}
}

// Handler builds the fully wired http.Handler: routes plus the middleware
// chain (request id, logging, tracing, baggage, recovery, CORS, security
// headers, rate limiting), applied outermost-first in Router order.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v3/query", s.handleQuery)
	mux.HandleFunc("GET /v3/bundles/{request_id}", s.handleGetBundle)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("GET /v2/schema/fields", s.handleSchemaFields)
	mux.HandleFunc("GET /v2/schema/rels", s.handleSchemaRels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	queryRule := ratelimit.Rule{Prefix: "query", Limit: s.cfg.APIRateLimitDefault, Window: time.Minute}
	rateLimited := ratelimit.MiddlewareWithRequestID(s.limiter, queryRule, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return r.Header.Get("X-Request-Id")
	})

	var handler http.Handler = mux
	handler = rateLimited(handler)
	handler = securityHeadersMiddleware(handler)
	handler = corsMiddleware(s.cfg.CORSAllowedOrigins, handler)
	handler = recoveryMiddleware(s.logger, handler)
	handler = baggageMiddleware(handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// HTTPServer builds a *http.Server bound to the configured port, with the
// routed-and-wrapped Handler and the configured read/write timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         ":" + strconv.Itoa(s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}
