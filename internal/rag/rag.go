package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"smartquery/internal/index"
	"smartquery/internal/llmservice"
	"smartquery/internal/models"
)

// QueryEmbedder embeds questions with the model that built the index.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Identity() string
}

type Options struct {
	// TopK is used when a search asks for k <= 0.
	TopK int
	// ContextChars caps the text of each context block, in characters.
	ContextChars int
}

// Engine answers questions from a built index.
type Engine struct {
	embedder  QueryEmbedder
	searcher  index.Searcher
	chunks    []models.Chunk
	completer llmservice.Completer
	opts      Options
}

// NewEngine checks that the index was built with the embedder's model and
// that the searcher and metadata describe the same rows.
func NewEngine(embedder QueryEmbedder, indexIdentity string, searcher index.Searcher, chunks []models.Chunk, completer llmservice.Completer, opts Options) (*Engine, error) {
	if indexIdentity != embedder.Identity() {
		return nil, fmt.Errorf("%w: index built with %q, query model is %q", models.ErrModelMismatch, indexIdentity, embedder.Identity())
	}
	if searcher.Len() != len(chunks) {
		return nil, fmt.Errorf("%w: search backend has %d rows, metadata has %d", models.ErrArtifactMismatch, searcher.Len(), len(chunks))
	}
	if opts.TopK <= 0 {
		opts.TopK = models.DefaultTopK
	}
	if opts.ContextChars <= 0 {
		opts.ContextChars = models.DefaultContextChars
	}
	return &Engine{
		embedder:  embedder,
		searcher:  searcher,
		chunks:    chunks,
		completer: completer,
		opts:      opts,
	}, nil
}

func (e *Engine) EmbedQuery(ctx context.Context, question string) ([]float32, error) {
	return e.embedder.EmbedQuery(ctx, question)
}

// Search returns the k chunks nearest to vector, closest first.
func (e *Engine) Search(ctx context.Context, vector []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		k = e.opts.TopK
	}
	hits, err := e.searcher.Search(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	results := make([]models.SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Row < 0 || h.Row >= len(e.chunks) {
			return nil, fmt.Errorf("%w: row %d outside metadata of %d records", models.ErrArtifactMismatch, h.Row, len(e.chunks))
		}
		results = append(results, models.SearchResult{Chunk: e.chunks[h.Row], Distance: h.Distance})
	}
	return results, nil
}

// BuildContext renders one tagged block per result, in rank order.
func (e *Engine) BuildContext(results []models.SearchResult) string {
	return FormatContext(results, e.opts.ContextChars)
}

// FormatContext renders `[SRC_<rank>] (<source>: p.<page>) <text>` blocks
// separated by a blank line. Newlines in the text become spaces and text
// longer than maxChars is cut and marked with an ellipsis.
func FormatContext(results []models.SearchResult, maxChars int) string {
	blocks := make([]string, len(results))
	for rank, r := range results {
		text := strings.ReplaceAll(r.Chunk.Text, "\n", " ")
		if runes := []rune(text); len(runes) > maxChars {
			text = string(runes[:maxChars]) + models.Ellipsis
		}
		blocks[rank] = fmt.Sprintf(models.SourceTagFormat+" (%s: p.%d) %s", rank, r.Chunk.Source, r.Chunk.Page, text)
	}
	return strings.Join(blocks, models.ContextSeparator)
}

func BuildPrompt(contextBlock, question string) string {
	return fmt.Sprintf(models.PromptTemplate, contextBlock, question)
}

// Ask runs one question through retrieval and completion.
func (e *Engine) Ask(ctx context.Context, question string) (models.Answer, error) {
	vector, err := e.EmbedQuery(ctx, question)
	if err != nil {
		return models.Answer{}, err
	}
	results, err := e.Search(ctx, vector, e.opts.TopK)
	if err != nil {
		return models.Answer{}, err
	}
	log.Debug().Int("results", len(results)).Msg("Retrieved context")

	prompt := BuildPrompt(e.BuildContext(results), question)
	text, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		return models.Answer{}, err
	}

	sources := make([]models.Source, len(results))
	for rank, r := range results {
		sources[rank] = models.Source{Rank: rank, Source: r.Chunk.Source, Page: r.Chunk.Page}
	}
	return models.Answer{Question: question, Text: text, Sources: sources}, nil
}
