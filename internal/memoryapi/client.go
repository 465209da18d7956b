// Package memoryapi is the HTTP client for the Memory API, the external
// collaborator that owns the graph store (spec §1, §6).
//
// Follows the internal/embedding HTTP-JSON client pattern used elsewhere:
// context-aware requests, io.LimitReader response caps, and a
// structured-error-then-raw-body fallback on non-2xx responses.
package memoryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/batvault/gateway/internal/model"
)

// maxResponseBody caps how much of a Memory API response we'll read (10 MB).
const maxResponseBody = 10 * 1024 * 1024

// Client talks to the Memory API's graph/enrich/schema routes.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Memory API client against baseURL (e.g. http://memory-api:8090).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExpandCandidatesRequest is the body of POST /api/graph/expand_candidates.
type ExpandCandidatesRequest struct {
	ID string `json:"id"`
	K  int    `json:"k"`
}

// ExpandCandidatesResponse is the one-hop neighborhood returned by the Memory API.
type ExpandCandidatesResponse struct {
	Anchor     model.Anchor        `json:"anchor"`
	Events     []model.Event       `json:"events"`
	Preceding  []model.Transition  `json:"preceding"`
	Succeeding []model.Transition  `json:"succeeding"`
}

// ExpandCandidates fetches the anchor plus its one-hop neighborhood.
// Per spec §4.2, k is always 1 — there is no in-code neighbor cap beyond that.
func (c *Client) ExpandCandidates(ctx context.Context, anchorID string) (*ExpandCandidatesResponse, error) {
	reqBody, err := json.Marshal(ExpandCandidatesRequest{ID: anchorID, K: 1})
	if err != nil {
		return nil, fmt.Errorf("memoryapi: marshal expand request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/graph/expand_candidates", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("memoryapi: create expand request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("memoryapi: anchor %q not found", anchorID)
	}
	if status != http.StatusOK {
		return nil, c.httpError("expand_candidates", status, body)
	}

	var out ExpandCandidatesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("memoryapi: unmarshal expand response: %w", err)
	}
	return &out, nil
}

// EnrichKind is the node kind requested from GET /api/enrich/{kind}/{id}.
type EnrichKind string

const (
	EnrichDecision   EnrichKind = "decision"
	EnrichEvent      EnrichKind = "event"
	EnrichTransition EnrichKind = "transition"
)

// Enrich fetches the canonical record for id, optionally using If-None-Match
// for conditional fetch against a previously observed etag. Returns
// (nil, "", nil) on a 304 Not Modified.
func (c *Client) Enrich(ctx context.Context, kind EnrichKind, id, ifNoneMatch string) (json.RawMessage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/enrich/%s/%s", c.baseURL, kind, id), nil)
	if err != nil {
		return nil, "", fmt.Errorf("memoryapi: create enrich request: %w", err)
	}
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("memoryapi: send enrich request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return nil, resp.Header.Get("ETag"), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, "", fmt.Errorf("memoryapi: read enrich response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", c.httpError("enrich", resp.StatusCode, body)
	}
	return json.RawMessage(body), resp.Header.Get("ETag"), nil
}

// LexicalMatch is one hit from the BM25-backed nodes_search view.
type LexicalMatch struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// LexicalSearch runs the BM25 cascade (rationale, description, reason, summary)
// over the Memory API's ArangoSearch "nodes_search" view, bootstrapped by the
// operations CLI (spec §6).
func (c *Client) LexicalSearch(ctx context.Context, query string, limit int) ([]LexicalMatch, error) {
	reqBody, err := json.Marshal(struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("memoryapi: marshal lexical search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/search/lexical", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("memoryapi: create lexical search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.httpError("search/lexical", status, body)
	}
	var out struct {
		Matches []LexicalMatch `json:"matches"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("memoryapi: unmarshal lexical search response: %w", err)
	}
	return out.Matches, nil
}

// SchemaRels fetches the allowed relation types from GET /api/schema/rels.
func (c *Client) SchemaRels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/schema/rels", nil)
	if err != nil {
		return nil, fmt.Errorf("memoryapi: create schema/rels request: %w", err)
	}
	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.httpError("schema/rels", status, body)
	}
	var out struct {
		Relations []string `json:"relations"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("memoryapi: unmarshal schema/rels response: %w", err)
	}
	return out.Relations, nil
}

// CurrentSnapshot fetches the graph store's current immutable snapshot etag
// from GET /api/snapshot, used for the precondition check (spec §4.9),
// the readiness probe, and the snapshot watcher's change logging.
func (c *Client) CurrentSnapshot(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/snapshot", nil)
	if err != nil {
		return "", fmt.Errorf("memoryapi: create snapshot request: %w", err)
	}
	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", c.httpError("snapshot", status, body)
	}
	var out struct {
		ETag string `json:"etag"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("memoryapi: unmarshal snapshot response: %w", err)
	}
	return out.ETag, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("memoryapi: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, 0, fmt.Errorf("memoryapi: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) httpError(op string, status int, body []byte) error {
	var errResp apiError
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return fmt.Errorf("memoryapi: %s (HTTP %d): %s: %s", op, status, errResp.Error.Code, errResp.Error.Message)
	}
	return fmt.Errorf("memoryapi: %s unexpected status %d: %s", op, status, string(body))
}
