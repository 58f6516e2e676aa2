package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartquery/internal/config"
)

var providerVectors = map[string][]float32{
	"alpha": {1, 0, 0},
	"beta":  {0, 1, 0},
	"gamma": {0, 0, 1},
}

func TestHandle_OllamaEmbedsOnePromptPerRequest(t *testing.T) {
	var (
		mu      sync.Mutex
		prompts []string
		seen    []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		seen = append(seen, req.Model)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embedding": providerVectors[req.Prompt]})
	}))
	defer srv.Close()

	h := NewHandle(config.LLMConfig{Provider: "ollama", BaseURL: srv.URL, Model: "all-minilm", BatchSize: 2})
	defer h.Close()

	texts := []string{"gamma", "alpha", "beta"}
	vectors, err := h.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, s := range texts {
		assert.Equal(t, providerVectors[s], vectors[i], "text %q", s)
	}
	assert.ElementsMatch(t, texts, prompts)
	assert.Equal(t, []string{"all-minilm", "all-minilm", "all-minilm"}, seen)

	q, err := h.EmbedQuery(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, providerVectors["beta"], q)
}

func TestHandle_OpenAIBatchesAndUsesEmbeddingModel(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]string
		seen    []string
		auth    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		batches = append(batches, req.Input)
		seen = append(seen, req.Model)
		auth = r.Header.Get("Authorization")
		mu.Unlock()

		data := make([]map[string]any, len(req.Input))
		for i, s := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": providerVectors[s]}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "model": req.Model, "data": data})
	}))
	defer srv.Close()

	h := NewHandle(config.LLMConfig{Provider: "openai", BaseURL: srv.URL, Key: "Bearer sk-test", Model: "text-embedding-3-small", BatchSize: 2})
	defer h.Close()
	assert.Equal(t, "openai:text-embedding-3-small", h.Identity())

	texts := []string{"alpha", "beta", "gamma"}
	vectors, err := h.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, s := range texts {
		assert.Equal(t, providerVectors[s], vectors[i], "text %q", s)
	}

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"alpha", "beta"}, batches[0])
	assert.Equal(t, []string{"gamma"}, batches[1])
	assert.Equal(t, []string{"text-embedding-3-small", "text-embedding-3-small"}, seen)
	assert.Equal(t, "Bearer sk-test", auth)
}

func TestHandle_ProviderDimensionMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		v := []float32{1, 0}
		if req.Prompt == "beta" {
			v = []float32{1, 0, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": v})
	}))
	defer srv.Close()

	h := NewHandle(config.LLMConfig{Provider: "ollama", BaseURL: srv.URL, Model: "all-minilm", BatchSize: 8})
	_, err := h.EmbedDocuments(context.Background(), []string{"alpha", "beta"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "vector 1 has dimension 3")
}
