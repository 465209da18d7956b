package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newFakeArangoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_db/batvault/_api/version":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/_db/batvault/_api/collection":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/_db/batvault/_api/analyzer":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/_db/batvault/_api/view":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			// document insert endpoints are collection-scoped
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testConfigForArango(arangoURL string) config.Config {
	return config.Config{
		ArangoHosts:    []string{arangoURL},
		ArangoDB:       "batvault",
		ArangoUser:     "root",
		ArangoPassword: "test",
	}
}

func TestRunSeedInsertsFixtureAgainstFakeArango(t *testing.T) {
	srv := newFakeArangoServer(t)
	t.Cleanup(srv.Close)

	cfg := testConfigForArango(srv.URL)
	err := runSeed(context.Background(), cfg, testLogger())
	require.NoError(t, err)
}

func TestRunBootstrapSearchCreatesAnalyzerAndView(t *testing.T) {
	srv := newFakeArangoServer(t)
	t.Cleanup(srv.Close)

	cfg := testConfigForArango(srv.URL)
	err := runBootstrapSearch(context.Background(), cfg, testLogger())
	require.NoError(t, err)
}

func TestRunBootstrapSearchFailsWhenArangoUnreachable(t *testing.T) {
	cfg := testConfigForArango("http://127.0.0.1:0")
	err := runBootstrapSearch(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestRunBootstrapVectorsSkipsWhenQdrantURLEmpty(t *testing.T) {
	cfg := config.Config{EmbeddingDim: 768}
	err := runBootstrapVectors(context.Background(), cfg, testLogger())
	require.NoError(t, err)
}

func newFakeMemoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/snapshot":
			_, _ = w.Write([]byte(`{"etag":"etag-1"}`))
		case "/api/schema/rels":
			_, _ = w.Write([]byte(`{"relations":["CAUSAL","LED_TO"]}`))
		case "/api/search/lexical":
			_, _ = w.Write([]byte(`{"matches":[{"id":"panasonic#exit-plasma-2012","score":0.9}]}`))
		case "/api/graph/expand_candidates":
			_, _ = w.Write([]byte(`{"anchor":{"id":"panasonic#exit-plasma-2012","type":"DECISION"},"events":[],"preceding":[],"succeeding":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestRunSmokeSucceedsWhenAllChecksPass(t *testing.T) {
	srv := newFakeMemoryServer(t)
	t.Cleanup(srv.Close)

	cfg := config.Config{MemoryAPIBase: srv.URL}
	err := runSmoke(context.Background(), cfg, testLogger())
	require.NoError(t, err)
}

func TestRunSmokeReportsAllFailedChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{MemoryAPIBase: srv.URL}
	err := runSmoke(context.Background(), cfg, testLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "4 check(s) failed")
}

func TestArangoClientBuildsFromConfig(t *testing.T) {
	cfg := testConfigForArango("http://127.0.0.1:8529")
	client, err := arangoClient(cfg)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestArangoClientFailsWithNoHosts(t *testing.T) {
	cfg := config.Config{ArangoHosts: nil}
	_, err := arangoClient(cfg)
	require.Error(t, err)
}
