// Package arangoadmin is a thin client over ArangoDB's HTTP API for the
// operations CLI (spec §6): seeding the graph store's document collections
// and bootstrapping the `text_en` BM25 analyzer plus the `nodes_search`
// ArangoSearch view that the Resolver's lexical cascade (internal/resolver,
// via internal/memoryapi) depends on at query time.
//
// Follows the internal/memoryapi HTTP-JSON client shape: context-aware
// requests, io.LimitReader response caps, basic auth instead of a bearer
// token since Arango's own HTTP API authenticates that way.
package arangoadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBody = 4 * 1024 * 1024

// Client talks to one ArangoDB host's HTTP API for a single database.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
}

// New builds a client against the first host in hosts, scoped to db; no
// reachability check is made. Operators run the CLI against a single coordinator; a multi-host list
// is accepted for config-shape parity with the gateway's ARANGO_HOSTS but
// only hosts[0] is dialed.
func New(hosts []string, db, user, password string, timeout time.Duration) (*Client, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("arangoadmin: no ARANGO_HOSTS configured")
	}
	return &Client{
		baseURL:    strings.TrimRight(hosts[0], "/") + "/_db/" + db,
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Ping checks connectivity by fetching the database's version info.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/_api/version", nil)
	if err != nil {
		return fmt.Errorf("arangoadmin: create version request: %w", err)
	}
	_, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("arangoadmin: version check returned status %d", status)
	}
	return nil
}

// EnsureCollection creates a document collection if it doesn't already
// exist. A 409 (duplicate name) is treated as success.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]any{"name": name})
	if err != nil {
		return fmt.Errorf("arangoadmin: marshal collection request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_api/collection", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("arangoadmin: create collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	respBody, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("arangoadmin: create collection %q: status %d: %s", name, status, string(respBody))
	}
	return nil
}

// EnsureAnalyzer creates the "text_en" analyzer (spec §6) if it doesn't
// already exist.
func (c *Client) EnsureAnalyzer(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]any{
		"name": name,
		"type": "text",
		"properties": map[string]any{
			"locale":    "en.utf-8",
			"case":      "lower",
			"stopwords": []string{},
			"accent":    false,
			"stemming":  true,
		},
		"features": []string{"frequency", "norm", "position"},
	})
	if err != nil {
		return fmt.Errorf("arangoadmin: marshal analyzer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_api/analyzer", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("arangoadmin: create analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	respBody, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusConflict {
		return fmt.Errorf("arangoadmin: create analyzer %q: status %d: %s", name, status, string(respBody))
	}
	return nil
}

// EnsureSearchView creates the "nodes_search" ArangoSearch view (spec §6)
// over the given collections' searchable fields, using analyzer for each.
func (c *Client) EnsureSearchView(ctx context.Context, viewName, analyzer string, collections []string) error {
	links := make(map[string]any, len(collections))
	for _, coll := range collections {
		links[coll] = map[string]any{
			"fields": map[string]any{
				"title":       map[string]any{"analyzers": []string{analyzer}},
				"summary":     map[string]any{"analyzers": []string{analyzer}},
				"description": map[string]any{"analyzers": []string{analyzer}},
				"reason":      map[string]any{"analyzers": []string{analyzer}},
			},
			"includeAllFields": false,
		}
	}
	body, err := json.Marshal(map[string]any{
		"name":  viewName,
		"type":  "arangosearch",
		"links": links,
	})
	if err != nil {
		return fmt.Errorf("arangoadmin: marshal view request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_api/view", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("arangoadmin: create view request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	respBody, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusConflict {
		return fmt.Errorf("arangoadmin: create view %q: status %d: %s", viewName, status, string(respBody))
	}
	return nil
}

// InsertDocuments upserts docs (each a full JSON document including "_key")
// into collection, one request per document to keep the client's error
// reporting per-document.
func (c *Client) InsertDocuments(ctx context.Context, collection string, docs []map[string]any) error {
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("arangoadmin: marshal document: %w", err)
		}
		url := fmt.Sprintf("%s/_api/document/%s?overwriteMode=replace", c.baseURL, collection)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("arangoadmin: create document request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		respBody, status, err := c.do(req)
		if err != nil {
			return err
		}
		if status != http.StatusCreated && status != http.StatusAccepted && status != http.StatusOK {
			return fmt.Errorf("arangoadmin: insert into %q: status %d: %s", collection, status, string(respBody))
		}
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("arangoadmin: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, 0, fmt.Errorf("arangoadmin: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
