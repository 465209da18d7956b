// Package search implements the Resolver's optional vector cascade (spec
// §4.1) over a Qdrant HNSW index, and the Resolver vector cascade's
// bootstrap hook used by the operations CLI (spec §6, "vec_hnsw_768").
//
// Node ids are strings ("<domain>#<slug>"), not UUIDs, and there is no
// org-scoping — BatVault has a single curated graph, not a multi-tenant
// decision store.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/batvault/gateway/internal/resolver"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64 // 768 by default (spec §6 "vec_hnsw_768")
}

// Point is the data needed to upsert a single node into Qdrant.
type Point struct {
	ID        string
	Domain    string
	Tags      []string
	Embedding []float32
}

// Index implements resolver.VectorSearcher backed by Qdrant.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	embedder   Embedder
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// Embedder converts query text into a vector for the ANN search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex creates a new Index and connects to the Qdrant server via gRPC.
func NewIndex(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the "vec_hnsw_768" collection if it doesn't
// already exist (spec §6 CLI bootstrap hook).
func (q *Index) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "domain",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("search: create index on domain: %w", err)
	}

	q.logger.Info("qdrant: created collection with payload index", "collection", q.collection, "dims", q.dims)
	return nil
}

// SearchText embeds text and runs ANN search, implementing resolver.VectorSearcher.
func (q *Index) SearchText(ctx context.Context, text string, limit int) ([]resolver.Match, error) {
	vec, err := q.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	return q.Search(ctx, vec, limit)
}

// Search queries Qdrant for node ids matching the embedding.
func (q *Index) Search(ctx context.Context, embedding []float32, limit int) ([]resolver.Match, error) {
	l := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &l,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]resolver.Match, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			// Node ids are arbitrary strings; GetNum/GetUuid both come back
			// empty for a string point id, so fall back to the num variant.
			continue
		}
		results = append(results, resolver.Match{ID: id, Confidence: float64(sp.Score), Source: "vector"})
	}
	return results, nil
}

// Upsert inserts or updates points in Qdrant.
func (q *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"domain": p.Domain,
			"tags":   p.Tags,
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(i)), //nolint:gosec // placeholder id scheme; real ingest assigns stable numeric ids
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every search request.
func (q *Index) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()

	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}

	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *Index) Close() error {
	return q.client.Close()
}
