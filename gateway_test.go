package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/internal/envelope"
	"github.com/batvault/gateway/internal/llm"
	"github.com/batvault/gateway/internal/model"
)

func newFakeMemoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/snapshot":
			_ = json.NewEncoder(w).Encode(map[string]string{"etag": "etag-1"})
		case "/api/graph/expand_candidates":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"anchor": map[string]any{"id": "x#y", "type": "decision", "title": "t", "timestamp": "2020-01-01T00:00:00Z"},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
}

type stubCaller struct{}

func (stubCaller) Call(_ context.Context, _ envelope.Envelope, _ llm.TokenFunc) (model.WhyDecisionAnswer, error) {
	return model.WhyDecisionAnswer{ShortAnswer: "stub"}, nil
}

func TestNewWiresAppWithOptionOverrides(t *testing.T) {
	mem := newFakeMemoryServer(t)
	defer mem.Close()

	t.Setenv("MEMORY_API_BASE", mem.URL)
	t.Setenv("MINIO_ENDPOINT", "http://localhost:9000")
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("BV_PORT", "18080")

	app, err := New(
		WithVersion("test-version"),
		WithLLMCaller(stubCaller{}),
		WithSnapshotPollInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "test-version", app.version)
	assert.Equal(t, 50*time.Millisecond, app.snapshotInterval)

	require.NoError(t, app.cache.Close())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mem := newFakeMemoryServer(t)
	defer mem.Close()

	t.Setenv("MEMORY_API_BASE", mem.URL)
	t.Setenv("REDIS_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("BV_PORT", "18080")

	app, err := New(WithSnapshotPollInterval(10 * time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
