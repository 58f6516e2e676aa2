package rag

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"smartquery/internal/config"
	"smartquery/internal/helper"
	"smartquery/internal/index"
	"smartquery/internal/models"
	"smartquery/internal/parser"
)

// DocumentEmbedder embeds chunk texts, one vector per text in input order.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Identity() string
}

// Mirror receives a copy of the built rows, e.g. a vector database that can
// serve searches instead of the flat index.
type Mirror interface {
	Mirror(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
}

type Stats struct {
	Documents int
	Pages     int
	Chunks    int
	Dimension int
	BuildID   string
}

type Indexer struct {
	cfg      *config.Config
	embedder DocumentEmbedder
	mirrors  []Mirror
}

func NewIndexer(cfg *config.Config, embedder DocumentEmbedder, mirrors ...Mirror) *Indexer {
	return &Indexer{cfg: cfg, embedder: embedder, mirrors: mirrors}
}

// Chunk loads the documents directory and splits it, without embedding.
func (ix *Indexer) Chunk() ([]models.Document, []models.Chunk, error) {
	docs, err := parser.LoadDocuments(ix.cfg.DocumentsDir, ix.cfg.Extensions)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := parser.ChunkDocuments(docs, ix.cfg.RAG.ChunkSize, ix.cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, nil, err
	}
	return docs, chunks, nil
}

// Build runs the whole pipeline. Nothing is written unless every chunk was
// embedded.
func (ix *Indexer) Build(ctx context.Context) (Stats, error) {
	docs, chunks, err := ix.Chunk()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Documents: len(docs), Pages: countPages(docs), Chunks: len(chunks)}
	if len(chunks) == 0 {
		return stats, fmt.Errorf("%w in %s", models.ErrNoChunks, ix.cfg.DocumentsDir)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	log.Info().Int("chunks", len(texts)).Str("model", ix.embedder.Identity()).Msg("Embedding chunks")
	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return stats, err
	}
	if len(vectors) != len(chunks) {
		return stats, fmt.Errorf("%w: %d vectors for %d chunks", models.ErrEmbeddingFailed, len(vectors), len(chunks))
	}

	buildID, err := helper.GenerateUUID()
	if err != nil {
		return stats, err
	}
	flat := index.NewFlat(len(vectors[0]), ix.embedder.Identity(), buildID)
	if err := flat.Add(vectors...); err != nil {
		return stats, fmt.Errorf("%w: %v", models.ErrEmbeddingFailed, err)
	}
	stats.Dimension = flat.Dim()
	stats.BuildID = buildID

	if err := index.Save(ix.cfg.Index.Path, ix.cfg.Index.MetadataPath, flat, chunks); err != nil {
		return stats, err
	}
	for _, m := range ix.mirrors {
		if err := m.Mirror(ctx, chunks, vectors); err != nil {
			return stats, fmt.Errorf("mirror rows: %w", err)
		}
	}
	return stats, nil
}

func countPages(docs []models.Document) int {
	n := 0
	for _, d := range docs {
		n += len(d.Pages)
	}
	return n
}
