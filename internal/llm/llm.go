// Package llm implements the LLM Caller (spec §4.6): a single bounded call
// against the canonical prompt envelope that must return a WhyDecisionAnswer
// shaped response. Up to 2 retries (3 attempts total) on ParseError or
// Timeout; no retry on SchemaError (a 4xx the API itself rejected as
// malformed). Skipped entirely when llm.mode is off.
//
// The request/response shapes and retry-with-per-call-deadline structure are
// grounded on internal/conflicts.OpenAIValidator (chat completions over
// net/http, context.WithTimeout per call, io.LimitReader on error bodies).
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/batvault/gateway/internal/envelope"
	"github.com/batvault/gateway/internal/model"
)

// ErrModeOff is returned by Call when the caller is configured with mode
// "off"; callers should fall back to the templater rather than treat this
// as a failure.
var ErrModeOff = errors.New("llm: mode is off")

// TokenFunc receives one streamed content chunk as it arrives from the
// model. It may be called zero or more times per Call; onToken is nil-safe
// to omit for callers that only want the final answer.
type TokenFunc func(chunk string)

// Caller issues the single LLM call the orchestrator's LLM stage makes,
// streaming raw content chunks to onToken as the model produces them (spec
// §4.9 Streaming: one {evt:"token"} NDJSON line per chunk).
type Caller interface {
	Call(ctx context.Context, env envelope.Envelope, onToken TokenFunc) (model.WhyDecisionAnswer, error)
}

// perCallTimeout bounds one attempt; the orchestrator's own stage timeout
// (config.Timeouts.LLM) bounds the whole Call including retry.
const perCallTimeout = 20 * time.Second

// OpenAICaller calls the OpenAI chat completions API and parses the
// response into a WhyDecisionAnswer. Retries on transient (5xx/network)
// failure, on a response body that fails to decode, and on a response whose
// content isn't a valid answer shape (ParseError/Timeout, per spec §4.6);
// never on a non-5xx status the API itself returned (SchemaError).
type OpenAICaller struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

const openAIChatEndpoint = "https://api.openai.com/v1/chat/completions"

func NewOpenAICaller(apiKey, modelID string) *OpenAICaller {
	if modelID == "" {
		modelID = "gpt-4o-mini"
	}
	return &OpenAICaller{
		apiKey:   apiKey,
		model:    modelID,
		endpoint: openAIChatEndpoint,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

// NewOpenAICallerWithEndpoint builds a caller against a custom endpoint and
// http.Client, for tests that stand up a fake chat-completions server.
func NewOpenAICallerWithEndpoint(apiKey, modelID, endpoint string, httpClient *http.Client) *OpenAICaller {
	c := NewOpenAICaller(apiKey, modelID)
	c.endpoint = endpoint
	c.httpClient = httpClient
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamChunk is one "data: {...}" line of an OpenAI chat completions SSE
// stream with stream:true.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const sseDataPrefix = "data: "
const sseDone = "[DONE]"

// Call retries attempt up to 3 times total on a ParseError/Timeout-class
// failure (spec §4.6). Chunks streamed to onToken during an attempt that is
// ultimately retried are not retracted — a retry only fires on transport or
// decode failures, which in practice happen before any content token is
// produced, so in-flight-token-then-retry is an edge case rather than the
// common path.
func (c *OpenAICaller) Call(ctx context.Context, env envelope.Envelope, onToken TokenFunc) (model.WhyDecisionAnswer, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		answer, err := c.attempt(ctx, env, onToken)
		if err == nil {
			return answer, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return model.WhyDecisionAnswer{}, lastErr
}

func (c *OpenAICaller) attempt(ctx context.Context, env envelope.Envelope, onToken TokenFunc) (model.WhyDecisionAnswer, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(env)},
		},
		Temperature: 0,
		MaxTokens:   env.Constraints.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return model.WhyDecisionAnswer{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.WhyDecisionAnswer{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.WhyDecisionAnswer{}, &callErr{retryable: true, err: fmt.Errorf("llm: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		retryable := resp.StatusCode >= 500
		return model.WhyDecisionAnswer{}, &callErr{retryable: retryable, err: fmt.Errorf("llm: status %d: %s", resp.StatusCode, string(respBody))}
	}

	content, err := c.readStream(resp.Body, onToken)
	if err != nil {
		return model.WhyDecisionAnswer{}, err
	}
	if content == "" {
		return model.WhyDecisionAnswer{}, &callErr{retryable: true, err: fmt.Errorf("llm: empty stream")}
	}

	var answer model.WhyDecisionAnswer
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return model.WhyDecisionAnswer{}, &callErr{retryable: true, err: fmt.Errorf("llm: response is not a valid answer shape: %w", err)}
	}
	return answer, nil
}

// readStream consumes an SSE body line by line, forwarding each non-empty
// content delta to onToken and accumulating the full answer text to parse
// once the stream ends. The high-water-mark backpressure described by spec
// §5 is handled upstream by onToken's own writer (the NDJSON emitter writes
// straight to the response socket, so a slow client blocks this read loop
// via ordinary TCP backpressure rather than an explicit queue here).
func (c *OpenAICaller) readStream(r io.Reader, onToken TokenFunc) (string, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, 8*1024*1024))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var content strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, sseDataPrefix)
		if payload == sseDone {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", &callErr{retryable: true, err: fmt.Errorf("llm: decode stream chunk: %w", err)}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if onToken != nil {
			onToken(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &callErr{retryable: true, err: fmt.Errorf("llm: read stream: %w", err)}
	}
	return content.String(), nil
}

type callErr struct {
	retryable bool
	err       error
}

func (e *callErr) Error() string { return e.err.Error() }
func (e *callErr) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var ce *callErr
	if errors.As(err, &ce) {
		return ce.retryable
	}
	return false
}

const systemPrompt = `You answer questions about a decision and its recorded context.
The user message is a JSON envelope with fields intent, question, anchor, evidence, allowed_ids,
schema_version, and constraints (max_tokens, cite_from_allowed_ids_only, output_schema).
Respond with a single JSON object matching exactly the shape named in constraints.output_schema:
{"short_answer": string, "supporting_ids": [string], "rationale_note": string}.
short_answer must be at most 320 characters; rationale_note must be at most 280 characters.
Stay within constraints.max_tokens. When constraints.cite_from_allowed_ids_only is true,
supporting_ids must be a subset of allowed_ids and must include the anchor id.
Do not cite any id outside allowed_ids. Do not include any text outside the JSON object.`

func userPrompt(env envelope.Envelope) string {
	b, _ := json.Marshal(env)
	return string(b)
}

// Gate wraps a Caller with the mode switch: Call returns ErrModeOff without
// making any request when mode is off, so the orchestrator routes straight
// to the templater.
type Gate struct {
	Mode   model.LLMMode
	Caller Caller
}

func (g Gate) Call(ctx context.Context, env envelope.Envelope, onToken TokenFunc) (model.WhyDecisionAnswer, error) {
	if g.Mode != model.LLMModeOn {
		return model.WhyDecisionAnswer{}, ErrModeOff
	}
	if g.Caller == nil {
		return model.WhyDecisionAnswer{}, ErrModeOff
	}
	return g.Caller.Call(ctx, env, onToken)
}
