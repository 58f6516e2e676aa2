package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"smartquery/internal/config"
	"smartquery/internal/models"
)

var errClosed = errors.New("embedding handle closed")

// Handle owns the embedding model for one run. The model client is created on
// first use and released by Close.
type Handle struct {
	cfg config.LLMConfig

	mu       sync.Mutex
	embedder embeddings.Embedder
	closed   bool
}

func NewHandle(cfg config.LLMConfig) *Handle {
	return &Handle{cfg: cfg}
}

// Identity names the provider and model. It is stored in the index header so
// queries are embedded with the model that built the index.
func (h *Handle) Identity() string {
	return h.cfg.Provider + ":" + h.cfg.Model
}

// Get returns the embedder, creating it on first call.
func (h *Handle) Get(ctx context.Context) (embeddings.Embedder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errClosed
	}
	if h.embedder != nil {
		return h.embedder, nil
	}

	e, err := newEmbedder(h.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)
	}
	log.Debug().Str("model", h.Identity()).Msg("Embedding model ready")
	h.embedder = e
	return e, nil
}

// EmbedDocuments embeds texts in order and checks that every text got a
// vector of the same dimension.
func (h *Handle) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := e.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", models.ErrEmbeddingFailed, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 || len(v) != len(vectors[0]) {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", models.ErrEmbeddingFailed, i, len(v), len(vectors[0]))
		}
	}
	return vectors, nil
}

func (h *Handle) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	v, err := e.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", models.ErrEmbeddingFailed)
	}
	return v, nil
}

// Close drops the model client. Further calls fail.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.embedder = nil
	h.closed = true
	return nil
}

func newEmbedder(cfg config.LLMConfig) (embeddings.Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

func NewOllamaEmbedder(cfg config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating ollama embedder")

	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init ollama: %w", err)
	}
	return embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
}

// NewOpenAIEmbedder works against any OpenAI compatible endpoint.
func NewOpenAIEmbedder(cfg config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating openai embedder")

	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init openai: %w", err)
	}
	return embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
}
