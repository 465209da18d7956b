// Package embedding generates vector embeddings for the Resolver's optional
// vector cascade (spec §4.1, "embeddings are enabled").
//
// Keeps the same Provider interface and OpenAI HTTP client shape used
// elsewhere, but returns []float32 directly (BatVault has no Postgres
// pgvector column to size the result for).
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoProvider is returned by NoopProvider to signal that no real embedding
// provider is configured. Callers should treat this as "no embedding available"
// rather than a transient failure.
var ErrNoProvider = errors.New("embedding: no provider configured (noop)")

const maxResponseBody = 10 * 1024 * 1024

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAIProvider generates embeddings using the OpenAI API.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
// Dimensions should match the resolver's 768-dim HNSW index.
func NewOpenAIProvider(apiKey, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: OpenAI API key is required")
	}
	if dimensions <= 0 {
		dimensions = 768
	}
	return &OpenAIProvider{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimensions: dimensions,
	}, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding vector for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(openAIRequest{Input: []string{text}, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp openAIResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return nil, fmt.Errorf("embedding: openai error (HTTP %d): %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return nil, fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Data) != 1 {
		return nil, fmt.Errorf("embedding: expected 1 embedding but got %d", len(result.Data))
	}
	return result.Data[0].Embedding, nil
}

// NoopProvider returns ErrNoProvider. Used when no API key is configured.
type NoopProvider struct {
	dims int
}

func NewNoopProvider(dims int) *NoopProvider { return &NoopProvider{dims: dims} }

func (p *NoopProvider) Dimensions() int { return p.dims }

func (p *NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrNoProvider
}
