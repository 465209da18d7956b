package arangoadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPingSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_db/batvault/_api/version", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, "batvault", "root", "", time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}

func TestPingFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, "batvault", "root", "", time.Second)
	require.NoError(t, err)
	require.Error(t, c.Ping(context.Background()))
}

func TestEnsureCollectionTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_db/batvault/_api/collection", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, "batvault", "root", "", time.Second)
	require.NoError(t, err)
	require.NoError(t, c.EnsureCollection(context.Background(), "decisions"))
}

func TestEnsureAnalyzerSendsExpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_db/batvault/_api/analyzer", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "text_en", body["name"])
		require.Equal(t, "text", body["type"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, "batvault", "root", "", time.Second)
	require.NoError(t, err)
	require.NoError(t, c.EnsureAnalyzer(context.Background(), "text_en"))
}

func TestEnsureSearchViewLinksAllCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_db/batvault/_api/view", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "nodes_search", body["name"])
		links, ok := body["links"].(map[string]any)
		require.True(t, ok)
		require.Len(t, links, 3)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, "batvault", "root", "", time.Second)
	require.NoError(t, err)
	require.NoError(t, c.EnsureSearchView(context.Background(), "nodes_search", "text_en",
		[]string{"decisions", "events", "transitions"}))
}

func TestInsertDocumentsFailsOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":true}`))
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, "batvault", "root", "", time.Second)
	require.NoError(t, err)
	err = c.InsertDocuments(context.Background(), "decisions", []map[string]any{{"_key": "x"}})
	require.Error(t, err)
}

func TestNewFailsWithNoHosts(t *testing.T) {
	_, err := New(nil, "batvault", "root", "", time.Second)
	require.Error(t, err)
}
