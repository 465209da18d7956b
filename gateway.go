// Package gateway is the public entry point for embedding the BatVault
// decision-graph Q&A gateway.
//
//	app, err := gateway.New(gateway.WithVersion(version), gateway.WithLogger(logger))
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package; this is the only file that wires
// every stage (resolver, expander, cache, artifacts, llm, orchestrator,
// server) together from config.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/batvault/gateway/internal/artifacts"
	"github.com/batvault/gateway/internal/cache"
	"github.com/batvault/gateway/internal/config"
	"github.com/batvault/gateway/internal/embedding"
	"github.com/batvault/gateway/internal/expander"
	"github.com/batvault/gateway/internal/llm"
	"github.com/batvault/gateway/internal/memoryapi"
	"github.com/batvault/gateway/internal/model"
	"github.com/batvault/gateway/internal/orchestrator"
	"github.com/batvault/gateway/internal/ratelimit"
	"github.com/batvault/gateway/internal/resolver"
	"github.com/batvault/gateway/internal/search"
	"github.com/batvault/gateway/internal/server"
	"github.com/batvault/gateway/internal/telemetry"
)

// App is the gateway's lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	memory       *memoryapi.Client
	cache        *cache.Cache
	srv          *server.Server
	httpSrv      *http.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	snapshotInterval time.Duration
}

// New loads configuration, wires every pipeline stage, and returns a
// ready-to-run App. It does not start any goroutines or accept connections —
// call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.memoryAPIBase != "" {
		cfg.MemoryAPIBase = o.memoryAPIBase
	}
	version := o.version
	if version == "" {
		version = cfg.GatewayVersion
	}

	logger.Info("batvault gateway starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	mem := memoryapi.New(cfg.MemoryAPIBase, 5*time.Second)

	redisClient := newRedisClient(cfg.RedisURL, logger)
	memCache := cache.New(redisClient, logger)

	var limiter *ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, logger)
	} else {
		limiter = ratelimit.New(nil, logger)
	}

	vectorSearcher := o.vectorSearcher
	if vectorSearcher == nil {
		vectorSearcher = newVectorSearcher(cfg, logger)
	}
	res := resolver.New(mem, vectorSearcher)
	exp := expander.New(mem)

	sink, err := newArtifactSink(context.Background(), cfg)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("artifacts: %w", err)
	}

	gate := newLLMGate(cfg, o.llmCaller, logger)

	policy := model.PolicyInfo{
		LLM:              model.LLMPolicy{Mode: model.LLMMode(cfg.LLMMode), ModelID: cfg.LLMModelID},
		SelectorPolicyID: cfg.SelectorModelID,
		AllowedIDsPolicy: "exact-union",
		GatewayVersion:   version,
	}

	orch := orchestrator.New(res, exp, mem, memCache, sink, gate, cfg, policy)
	srv := server.New(cfg, orch, mem, sink, limiter, logger)

	snapshotInterval := o.snapshotPollInterval
	if snapshotInterval <= 0 {
		snapshotInterval = 30 * time.Second
	}

	return &App{
		cfg:              cfg,
		memory:           mem,
		cache:            memCache,
		srv:              srv,
		httpSrv:          srv.HTTPServer(),
		otelShutdown:     otelShutdown,
		logger:           logger,
		version:          version,
		snapshotInterval: snapshotInterval,
	}, nil
}

// Run starts the snapshot watcher and the HTTP server, then blocks until ctx
// is cancelled or the server fails. Shutdown is called automatically before
// Run returns — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.snapshotWatchLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, then closes
// the cache connection and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("batvault gateway shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("batvault gateway stopped")
	return nil
}

// snapshotWatchLoop polls the Memory API's current snapshot etag and logs
// transitions. Cache entries are already keyed by snapshot etag (internal/cache),
// so a changed snapshot makes prior entries unreachable rather than requiring
// explicit eviction; this loop exists to surface drift in logs/traces, not to
// mutate cache state.
func (a *App) snapshotWatchLoop(ctx context.Context) {
	ticker := time.NewTicker(a.snapshotInterval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			etag, err := a.memory.CurrentSnapshot(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("snapshot watch: poll failed", "error", err)
				continue
			}
			if last != "" && etag != last {
				a.logger.Info("snapshot watch: snapshot changed", "previous_etag", last, "current_etag", etag)
			}
			last = etag
		}
	}
}

// newRedisClient parses rawURL and returns a connected client, or nil if
// rawURL is empty or unparseable — callers then run in noop mode (no cache,
// no distributed rate limiting), which is how a single-node dev run behaves
// without Redis.
func newRedisClient(rawURL string, logger *slog.Logger) *redis.Client {
	if rawURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		logger.Warn("redis: invalid REDIS_URL, running without cache/rate-limit backing store", "error", err)
		return nil
	}
	return redis.NewClient(opts)
}

// newArtifactSink builds the S3-compatible (MinIO) client backing the
// Artifact Sink (spec §4.10) from the configured endpoint and static
// credentials, using the aws-sdk-go-v2 config/credentials packages' own
// documented construction idiom (functional options + per-client BaseEndpoint
// override for path-style MinIO access).
func newArtifactSink(ctx context.Context, cfg config.Config) (*artifacts.Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("batvault", "batvault", "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MinIOEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MinIOEndpoint)
		}
		o.UsePathStyle = true
	})
	return artifacts.New(client, cfg.MinIOBucket), nil
}

// newVectorSearcher builds the Resolver's optional embedding cascade stage
// (spec §4.1) when ENABLE_EMBEDDINGS is set and a Qdrant collection is
// configured. Returns nil (cascade disabled) otherwise — the resolver
// already treats a nil VectorSearcher as "skip this stage".
func newVectorSearcher(cfg config.Config, logger *slog.Logger) resolver.VectorSearcher {
	if !cfg.EnableEmbeddings || cfg.QdrantURL == "" {
		return nil
	}
	var provider embedding.Provider
	if cfg.OpenAIAPIKey != "" {
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, "text-embedding-3-small", cfg.EmbeddingDim)
		if err != nil {
			logger.Warn("embedding: openai provider init failed, vector cascade disabled", "error", err)
			return nil
		}
		provider = p
	} else {
		logger.Warn("embedding: ENABLE_EMBEDDINGS=true but OPENAI_API_KEY is empty, vector cascade disabled")
		return nil
	}

	idx, err := search.NewIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDim),
	}, provider, logger)
	if err != nil {
		logger.Warn("qdrant: index init failed, vector cascade disabled", "error", err)
		return nil
	}
	if err := idx.EnsureCollection(context.Background()); err != nil {
		logger.Warn("qdrant: ensure collection failed, vector cascade disabled", "error", err)
		return nil
	}
	logger.Info("resolver: vector cascade enabled", "collection", cfg.QdrantCollection)
	return idx
}

// newLLMGate builds the Gate the orchestrator's LLM stage calls through.
// An explicit caller override (WithLLMCaller) always wins; otherwise an
// OpenAI-backed caller is built when LLM_MODE=on and OPENAI_API_KEY is set.
func newLLMGate(cfg config.Config, override llm.Caller, logger *slog.Logger) llm.Gate {
	mode := model.LLMMode(cfg.LLMMode)
	if override != nil {
		return llm.Gate{Mode: mode, Caller: override}
	}
	if mode != model.LLMModeOn {
		return llm.Gate{Mode: mode}
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("LLM_MODE=on but OPENAI_API_KEY is empty — falling back to the templater for every request")
		return llm.Gate{Mode: model.LLMModeOff}
	}
	return llm.Gate{Mode: mode, Caller: llm.NewOpenAICaller(cfg.OpenAIAPIKey, cfg.LLMModelID)}
}
