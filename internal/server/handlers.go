package server

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/batvault/gateway/internal/bverr"
	"github.com/batvault/gateway/internal/model"
	"github.com/batvault/gateway/internal/orchestrator"
	"github.com/batvault/gateway/internal/reqctx"
)

// trailerNames lists the response headers whose value is only known once
// the pipeline has finished (the three content fingerprints plus the schema
// fingerprint), announced as HTTP trailers since they must be sent after the
// NDJSON body has already been streamed.
var trailerNames = []string{
	"X-BV-Allowed-Ids-FP",
	"X-BV-Graph-FP",
	"X-BV-Bundle-FP",
	"X-BV-Schema-FP",
}

// queryRequest is the decoded body of POST /v3/query.
type queryRequest struct {
	Question string `json:"question"`
	Anchor   string `json:"anchor"`
	Intent   string `json:"intent"`
}

var validIntents = map[string]model.Intent{
	string(model.IntentWhyDecision): model.IntentWhyDecision,
	string(model.IntentWhoDecided):  model.IntentWhoDecided,
	string(model.IntentWhenDecided): model.IntentWhenDecided,
	string(model.IntentChains):      model.IntentChains,
}

// handleQuery implements POST /v3/query (spec §6): decode the request,
// run it through the orchestrator, and stream the result as NDJSON.
// Response headers are set from orchestrator.Headers on every path,
// including the 412/409 short circuits where no stream is opened.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := decodeJSON(w, r, &body, s.cfg.MaxRequestBodyBytes); err != nil {
		writeError(w, r, bverr.Wrap(bverr.CodeBadRequest, "malformed request body", err))
		return
	}
	if body.Question == "" && body.Anchor == "" {
		writeError(w, r, bverr.New(bverr.CodeBadRequest, "one of question or anchor is required"))
		return
	}

	intent := model.IntentWhyDecision
	if body.Intent != "" {
		parsed, ok := validIntents[body.Intent]
		if !ok {
			writeError(w, r, bverr.New(bverr.CodeBadRequest, "unrecognized intent: "+body.Intent))
			return
		}
		intent = parsed
	}

	req := orchestrator.Request{
		RequestID:    reqctx.RequestID(r.Context()),
		TraceID:      traceIDFromContext(r.Context()),
		Question:     body.Question,
		AnchorID:     body.Anchor,
		Intent:       intent,
		SnapshotETag: r.Header.Get("X-Snapshot-ETag"),
		PolicyFP:     r.Header.Get("X-Policy-Key"),
	}

	// Tokens and the final/error line stream straight to the socket as the
	// pipeline produces them (spec §4.9 Streaming). The only header values
	// known before the stream opens are request id / snapshot etag / policy
	// fp (computed by the precondition/policy checks, reported via
	// onHeaders); the remaining fingerprints are only known once the
	// pipeline finishes and are sent as HTTP trailers, announced up front via
	// the Trailer header as net/http requires.
	flusher, _ := w.(http.Flusher)
	streamStarted := false
	onHeaders := func(h orchestrator.Headers) {
		streamStarted = true
		set := func(name, value string) {
			if value != "" {
				w.Header().Set(name, value)
			}
		}
		set("X-Request-Id", h.RequestID)
		set("X-Snapshot-ETag", h.SnapshotETag)
		set("X-BV-Policy-Fingerprint", h.PolicyFP)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Trailer", strings.Join(trailerNames, ", "))
		w.WriteHeader(http.StatusOK)
	}

	emitter := orchestrator.NewNDJSONEmitter(w, func() {
		if flusher != nil {
			flusher.Flush()
		}
	})
	headers, bverrErr := s.orch.Run(r.Context(), req, emitter, onHeaders)

	if !streamStarted {
		// Precondition/policy short circuit: onHeaders never fired, so no
		// bytes have gone to the client yet and a normal error response is
		// still possible.
		setBVHeaders(w, headers)
		w.Header().Set("Content-Type", "application/x-ndjson")
		writeError(w, r, bverrErr)
		return
	}

	setTrailer := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	setTrailer("X-BV-Allowed-Ids-FP", headers.AllowedIDsFP)
	setTrailer("X-BV-Graph-FP", headers.GraphFP)
	setTrailer("X-BV-Bundle-FP", headers.BundleFP)
	setTrailer("X-BV-Schema-FP", headers.SchemaFP)
}

// setBVHeaders sets the seven X-BV-*/X-Request-Id/X-Snapshot-ETag response
// headers from the orchestrator's outcome, on every path (spec §6).
func setBVHeaders(w http.ResponseWriter, h orchestrator.Headers) {
	set := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	set("X-Request-Id", h.RequestID)
	set("X-Snapshot-ETag", h.SnapshotETag)
	set("X-BV-Policy-Fingerprint", h.PolicyFP)
	set("X-BV-Allowed-Ids-FP", h.AllowedIDsFP)
	set("X-BV-Graph-FP", h.GraphFP)
	set("X-BV-Bundle-FP", h.BundleFP)
	set("X-BV-Schema-FP", h.SchemaFP)
}

// handleGetBundle implements GET /v3/bundles/{request_id}: the persisted
// final.json artifact for a prior request, for audit/replay (spec §4.10).
func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		writeError(w, r, bverr.New(bverr.CodeBadRequest, "request_id is required"))
		return
	}
	raw, err := s.sink.GetFinal(r.Context(), requestID)
	if err != nil {
		writeError(w, r, bverr.Wrap(bverr.CodeNotFound, "bundle not found for request_id", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// configResponse is the public-facing shape of GET /config (spec §6).
type configResponse struct {
	GatewayBase string            `json:"gateway_base"`
	MemoryBase  string            `json:"memory_base"`
	Endpoints   map[string]string `json:"endpoints"`
	TimeoutsMS  configTimeouts    `json:"timeouts_ms"`
	Signing     configSigning     `json:"signing"`
}

type configTimeouts struct {
	Search   int64 `json:"search"`
	Expand   int64 `json:"expand"`
	Enrich   int64 `json:"enrich"`
	Validate int64 `json:"validate"`
}

type configSigning struct {
	Alg          string `json:"alg"`
	PublicKeyB64 string `json:"public_key_b64,omitempty"`
}

// handleGetConfig implements GET /config: the subset of server configuration
// a client needs to talk to the gateway correctly (spec §6).
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	resp := configResponse{
		GatewayBase: s.cfg.GatewayBaseURL,
		MemoryBase:  s.cfg.MemoryAPIBase,
		Endpoints: map[string]string{
			"query":         "/v3/query",
			"bundle":        "/v3/bundles/{request_id}",
			"schema_fields": "/v2/schema/fields",
			"schema_rels":   "/v2/schema/rels",
		},
		TimeoutsMS: configTimeouts{
			Search:   s.cfg.Timeouts.Search.Milliseconds(),
			Expand:   s.cfg.Timeouts.Expand.Milliseconds(),
			Enrich:   s.cfg.Timeouts.Enrich.Milliseconds(),
			Validate: s.cfg.Timeouts.Validate.Milliseconds(),
		},
		Signing: configSigning{
			Alg:          "Ed25519",
			PublicKeyB64: s.cfg.SigningPublicKeyB64,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSchemaFields implements GET /v2/schema/fields: the field names the
// Memory API's canonical records expose, derived from the model package's
// own struct tags rather than a round trip to the Memory API (the gateway,
// not the graph store, owns the client-facing schema explorer shape).
func (s *Server) handleSchemaFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"anchor":     jsonFieldNames(model.Anchor{}),
		"event":      jsonFieldNames(model.Event{}),
		"transition": jsonFieldNames(model.Transition{}),
	})
}

// handleSchemaRels implements GET /v2/schema/rels: the allowed relation
// types, proxied from the Memory API's own GET /api/schema/rels (spec §6).
func (s *Server) handleSchemaRels(w http.ResponseWriter, r *http.Request) {
	rels, err := s.memory.SchemaRels(r.Context())
	if err != nil {
		writeError(w, r, bverr.Wrap(bverr.CodeUpstreamError, "schema/rels lookup failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": rels})
}

// jsonFieldNames lists the json tag name of every exported field of v's type.
func jsonFieldNames(v any) []string {
	t := reflect.TypeOf(v)
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name := strings.SplitN(tag, ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.memory.CurrentSnapshot(r.Context()); err != nil {
		writeError(w, r, bverr.Wrap(bverr.CodeUpstreamError, "memory api unreachable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
