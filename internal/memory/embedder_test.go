package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingBody(vectors map[int][]float64, model string) map[string]any {
	data := make([]map[string]any, 0, len(vectors))
	for idx, vec := range vectors {
		data = append(data, map[string]any{
			"object":    "embedding",
			"index":     idx,
			"embedding": vec,
		})
	}
	return map[string]any{
		"object": "list",
		"data":   data,
		"model":  model,
		"usage":  map[string]any{"prompt_tokens": 4, "total_tokens": 4},
	}
}

func TestOpenAIEmbedder_EmbedPreservesInputOrder(t *testing.T) {
	var captured struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"), r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		// Out-of-order data entries must land at their input index.
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingBody(map[int][]float64{
			1: {0.5, 0.6},
			0: {0.1, 0.2},
		}, captured.Model))
	}))
	defer server.Close()

	e := NewOpenAIEmbedder(
		WithEmbedderAPIKey("test-key"),
		WithEmbedderEndpoint(server.URL),
		WithEmbedderModel("text-embedding-3-small"),
	)

	vectors, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.5, 0.6}, vectors[1])

	assert.Equal(t, "text-embedding-3-small", captured.Model)
	assert.Equal(t, []string{"first", "second"}, captured.Input)
}

func TestOpenAIEmbedder_EmptyInputSkipsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty input")
	}))
	defer server.Close()

	e := NewOpenAIEmbedder(WithEmbedderAPIKey("k"), WithEmbedderEndpoint(server.URL))
	vectors, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestOpenAIEmbedder_RetriesOn429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embeddingBody(map[int][]float64{0: {1}}, "text-embedding-3-small"))
	}))
	defer server.Close()

	e := NewOpenAIEmbedder(WithEmbedderAPIKey("k"), WithEmbedderEndpoint(server.URL))
	e.retryBaseWait = time.Millisecond

	vectors, err := e.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
