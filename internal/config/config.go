// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StageTimeouts holds the per-stage deadline budget (§4.9, §5).
type StageTimeouts struct {
	Search   time.Duration
	Expand   time.Duration
	Enrich   time.Duration
	LLM      time.Duration
	Validate time.Duration
}

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Selector/truncation budgets (§4.4).
	MaxPromptBytes   int
	SoftThresholdBytes int
	MinEvidenceItems int
	SelectorModelID  string

	// Resolver embedding cascade (§4.1).
	EnableEmbeddings bool
	EmbeddingDim     int

	// Edge rate limiting.
	APIRateLimitDefault int

	// Stage timeouts (§6 env vars, ms-denominated).
	Timeouts StageTimeouts

	// Memory API / graph store settings.
	ArangoHosts   []string
	ArangoDB      string
	ArangoUser    string
	ArangoPassword string
	MemoryAPIBase string

	// Cache / rate-limit backing store.
	RedisURL string

	// Object store (Artifact Sink).
	MinIOEndpoint string
	MinIOBucket   string

	// Qdrant vector search settings (Resolver cascade).
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// LLM settings.
	LLMMode      string // "on" or "off"
	LLMModelID   string
	OpenAIAPIKey string
	LLMMaxTokens int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// CORS settings (edge; informational only — enforcement is out of scope, §1).
	CORSAllowedOrigins []string

	// Operational settings.
	LogLevel            string
	GatewayVersion      string
	GatewayBaseURL      string
	MaxRequestBodyBytes int64

	// Response-signing (optional; GET /config exposes the public half).
	SigningPublicKeyB64 string
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if any environment variable contains an unparseable value.
// Missing variables use sensible defaults; only malformed values are rejected.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		ArangoHosts:        envStrSlice("ARANGO_HOSTS", []string{"http://localhost:8529"}),
		ArangoDB:           envStr("ARANGO_DB", "batvault"),
		ArangoUser:         envStr("ARANGO_USER", "root"),
		ArangoPassword:     envStr("ARANGO_PASSWORD", ""),
		MemoryAPIBase:      envStr("MEMORY_API_BASE", "http://localhost:8090"),
		RedisURL:           envStr("REDIS_URL", "redis://localhost:6379/0"),
		MinIOEndpoint:      envStr("MINIO_ENDPOINT", "http://localhost:9000"),
		MinIOBucket:        envStr("MINIO_BUCKET", "batvault-artifacts"),
		QdrantURL:          envStr("QDRANT_URL", ""),
		QdrantAPIKey:       envStr("QDRANT_API_KEY", ""),
		QdrantCollection:   envStr("QDRANT_COLLECTION", "vec_hnsw_768"),
		SelectorModelID:    envStr("SELECTOR_MODEL_ID", "selector-v1-jaccard"),
		LLMMode:            envStr("LLM_MODE", "off"),
		LLMModelID:         envStr("LLM_MODEL_ID", ""),
		OpenAIAPIKey:       envStr("OPENAI_API_KEY", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "batvault-gateway"),
		LogLevel:           envStr("BV_LOG_LEVEL", "info"),
		GatewayVersion:     envStr("BV_GATEWAY_VERSION", "dev"),
		GatewayBaseURL:     envStr("BV_GATEWAY_BASE_URL", "http://localhost:8080"),
		CORSAllowedOrigins: envStrSlice("BV_CORS_ALLOWED_ORIGINS", nil),
		SigningPublicKeyB64: envStr("BV_SIGNING_PUBLIC_KEY_B64", ""),
	}

	cfg.Port, errs = collectInt(errs, "BV_PORT", 8080)
	cfg.MaxPromptBytes, errs = collectInt(errs, "MAX_PROMPT_BYTES", 8192)
	cfg.SoftThresholdBytes, errs = collectInt(errs, "SOFT_THRESHOLD_BYTES", 6144)
	cfg.MinEvidenceItems, errs = collectInt(errs, "MIN_EVIDENCE_ITEMS", 1)
	cfg.EmbeddingDim, errs = collectInt(errs, "EMBEDDING_DIM", 768)
	cfg.APIRateLimitDefault, errs = collectInt(errs, "API_RATE_LIMIT_DEFAULT", 60)
	cfg.LLMMaxTokens, errs = collectInt(errs, "LLM_MAX_TOKENS", 512)

	var maxReqBody int
	maxReqBody, errs = collectInt(errs, "BV_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	cfg.MaxRequestBodyBytes = int64(maxReqBody)

	cfg.EnableEmbeddings, errs = collectBool(errs, "ENABLE_EMBEDDINGS", false)
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.ReadTimeout, errs = collectDuration(errs, "BV_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "BV_WRITE_TIMEOUT", 60*time.Second)

	var searchMS, expandMS, enrichMS, llmMS, validateMS time.Duration
	searchMS, errs = collectDuration(errs, "TIMEOUT_SEARCH_MS", 300*time.Millisecond)
	expandMS, errs = collectDuration(errs, "TIMEOUT_GRAPH_EXPAND_MS", 500*time.Millisecond)
	enrichMS, errs = collectDuration(errs, "TIMEOUT_ENRICH_MS", 500*time.Millisecond)
	llmMS, errs = collectDuration(errs, "TIMEOUT_LLM_MS", 10*time.Second)
	validateMS, errs = collectDuration(errs, "TIMEOUT_VALIDATOR_MS", 200*time.Millisecond)
	cfg.Timeouts = StageTimeouts{Search: searchMS, Expand: expandMS, Enrich: enrichMS, LLM: llmMS, Validate: validateMS}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// collectInt parses an int env var, appending any error to the accumulator.
func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectBool parses a bool env var, appending any error to the accumulator.
func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// collectDuration parses an env var expressed as a millisecond integer
// (matching spec env var naming, e.g. TIMEOUT_LLM_MS), appending any error
// to the accumulator.
func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s=%q is not a valid integer millisecond value", key, v))
	}
	return time.Duration(ms) * time.Millisecond, errs
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: BV_PORT must be between 1 and 65535"))
	}
	if c.MaxPromptBytes <= 0 {
		errs = append(errs, errors.New("config: MAX_PROMPT_BYTES must be positive"))
	}
	if c.SoftThresholdBytes <= 0 || c.SoftThresholdBytes > c.MaxPromptBytes {
		errs = append(errs, errors.New("config: SOFT_THRESHOLD_BYTES must be positive and not exceed MAX_PROMPT_BYTES"))
	}
	if c.MinEvidenceItems < 0 {
		errs = append(errs, errors.New("config: MIN_EVIDENCE_ITEMS must not be negative"))
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("config: EMBEDDING_DIM must be positive"))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, errors.New("config: LLM_MAX_TOKENS must be positive"))
	}
	if c.LLMMode != "on" && c.LLMMode != "off" {
		errs = append(errs, errors.New("config: LLM_MODE must be \"on\" or \"off\""))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: BV_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: BV_WRITE_TIMEOUT must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: BV_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"TIMEOUT_SEARCH_MS": c.Timeouts.Search, "TIMEOUT_GRAPH_EXPAND_MS": c.Timeouts.Expand,
		"TIMEOUT_ENRICH_MS": c.Timeouts.Enrich, "TIMEOUT_LLM_MS": c.Timeouts.LLM,
		"TIMEOUT_VALIDATOR_MS": c.Timeouts.Validate,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

// envStrSlice reads a comma-separated env var into a string slice.
// Returns fallback if the env var is empty or unset.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
