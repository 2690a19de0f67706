package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteAgainst(t *testing.T, url string, cfg Config) *Remote {
	t.Helper()
	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("EMBEDDING_BASE_URL", url)
	remote, err := NewRemoteFromEnv(cfg)
	require.NoError(t, err)
	return remote
}

func embeddingHandler(t *testing.T, dimension int, fail *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if fail != nil && fail.Load() > 0 {
			fail.Add(-1)
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}

		var req remoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)

		embedding := make([]float64, dimension)
		for i := range embedding {
			embedding[i] = float64(i) * 0.1
		}
		resp := map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": embedding}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestRemoteEmbedHappyPath(t *testing.T) {
	server := httptest.NewServer(embeddingHandler(t, 8, nil))
	defer server.Close()

	remote := newRemoteAgainst(t, server.URL, Config{Kind: "remote", Dimension: 8, MaxRetries: 1, TimeoutMs: 5000})

	vector, err := remote.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, vector, 8)
	assert.InDelta(t, 0.1, vector[1], 1e-6)
}

func TestRemoteEmbedRetriesTransientFailures(t *testing.T) {
	var fail atomic.Int32
	fail.Store(1)
	server := httptest.NewServer(embeddingHandler(t, 8, &fail))
	defer server.Close()

	remote := newRemoteAgainst(t, server.URL, Config{
		Kind: "remote", Dimension: 8, MaxRetries: 3, RetryDelayMs: 1, TimeoutMs: 5000,
	})

	vector, err := remote.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vector, 8)
}

func TestRemoteEmbedGivesUpAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	remote := newRemoteAgainst(t, server.URL, Config{
		Kind: "remote", Dimension: 8, MaxRetries: 2, RetryDelayMs: 1, TimeoutMs: 5000,
	})

	_, err := remote.Embed(context.Background(), "doomed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestRemoteEmbedRejectsDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(embeddingHandler(t, 4, nil))
	defer server.Close()

	remote := newRemoteAgainst(t, server.URL, Config{
		Kind: "remote", Dimension: 8, MaxRetries: 1, RetryDelayMs: 1, TimeoutMs: 5000,
	})

	_, err := remote.Embed(context.Background(), "short vector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match configured dimension")
}

func TestRemoteEmbedBatchOnePerRequest(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		embeddingHandler(t, 8, nil)(w, r)
	}))
	defer server.Close()

	remote := newRemoteAgainst(t, server.URL, Config{Kind: "remote", Dimension: 8, MaxRetries: 1, TimeoutMs: 5000})

	vectors, err := remote.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
	assert.Equal(t, int32(3), requests.Load())
}

func TestNewRemoteFromEnvRequiresKey(t *testing.T) {
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("EMBEDDING_BASE_URL", "")

	_, err := NewRemoteFromEnv(Config{Kind: "remote"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBEDDING_API_KEY")
}

func TestNewRemoteFromEnvRejectsBadURL(t *testing.T) {
	t.Setenv("EMBEDDING_API_KEY", "k")
	t.Setenv("EMBEDDING_BASE_URL", "ftp://example.com")

	_, err := NewRemoteFromEnv(Config{Kind: "remote"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%q", "ftp://example.com"))
}
