package gateway

import (
	"log/slog"
	"time"

	"github.com/batvault/gateway/internal/llm"
	"github.com/batvault/gateway/internal/resolver"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port                 int
	memoryAPIBase        string
	logger               *slog.Logger
	version              string
	vectorSearcher       resolver.VectorSearcher
	llmCaller            llm.Caller
	snapshotPollInterval time.Duration
}

// WithPort overrides the TCP port from config (BV_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithMemoryAPIBase overrides the Memory API base URL from config (MEMORY_API_BASE env var).
func WithMemoryAPIBase(base string) Option {
	return func(o *resolvedOptions) { o.memoryAPIBase = base }
}

// WithLogger sets the structured logger for the App. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs, in telemetry, and
// as the response policy's gateway_version.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithVectorSearcher enables the resolver's embedding cascade stage (spec
// §4.1) with the given searcher. Without this option the resolver only runs
// the exact-anchor and lexical stages.
func WithVectorSearcher(s resolver.VectorSearcher) Option {
	return func(o *resolvedOptions) { o.vectorSearcher = s }
}

// WithLLMCaller overrides the auto-configured LLM Caller. Takes priority over
// LLM_MODE/OPENAI_API_KEY-derived construction; useful for tests and for
// swapping in a non-OpenAI provider.
func WithLLMCaller(c llm.Caller) Option {
	return func(o *resolvedOptions) { o.llmCaller = c }
}

// WithSnapshotPollInterval overrides how often the snapshot watch loop polls
// the Memory API's current snapshot etag. Defaults to 30s.
func WithSnapshotPollInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.snapshotPollInterval = d }
}
