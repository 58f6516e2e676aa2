package chromemdb

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"smartquery/internal/config"
	"smartquery/internal/index"
	"smartquery/internal/models"
)

const unitTolerance = 1e-3

// VectorDBManager mirrors index rows into a chromem-go collection. Document
// ids are row numbers, so search results map back to the metadata file.
type VectorDBManager struct {
	db             *chromem.DB
	collection     *chromem.Collection
	collectionName string
	dbPath         string
	compress       bool
	encryptionKey  string
	exportFile     string
}

// NewVectorDBManager opens the persistent database at cfg.Path, or an empty
// in-memory one.
func NewVectorDBManager(cfg config.ChromemConfig, inMemory bool, encryptionKey string) (*VectorDBManager, error) {
	var db *chromem.DB
	var err error
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	m := &VectorDBManager{
		db:             db,
		collectionName: cfg.Collection,
		dbPath:         cfg.Path,
		compress:       cfg.Compress,
		encryptionKey:  encryptionKey,
		exportFile:     cfg.ExportFile,
	}
	if _, err := m.GetOrCreateCollection(cfg.Collection); err != nil {
		return nil, err
	}
	return m, nil
}

// create or read collection
func (m *VectorDBManager) GetOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	m.collectionName = collectionName
	return c, nil
}

// ResetCollection drops every stored row. Builds always start from scratch.
func (m *VectorDBManager) ResetCollection() error {
	if err := m.db.DeleteCollection(m.collectionName); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	_, err := m.GetOrCreateCollection(m.collectionName)
	return err
}

// StoreChunks adds one document per chunk, using vectors[i] for chunks[i].
func (m *VectorDBManager) StoreChunks(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks, %d vectors", models.ErrArtifactMismatch, len(chunks), len(vectors))
	}
	docs := make([]chromem.Document, len(chunks))
	for row, c := range chunks {
		if n := norm(vectors[row]); math.Abs(n-1) > unitTolerance {
			return fmt.Errorf("%w: row %d has norm %.4f, chromem ranks by cosine and needs unit vectors; use the flat or postgres backend for this model",
				models.ErrArtifactMismatch, row, n)
		}
		docs[row] = chromem.Document{
			ID:        strconv.Itoa(row),
			Content:   c.Text,
			Metadata:  CreateMetadata(c),
			Embedding: vectors[row],
		}
	}

	log.Info().Msgf("Adding %d documents to vector database", len(docs))
	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

// Mirror replaces the collection with the built rows and exports it when an
// export file is configured.
func (m *VectorDBManager) Mirror(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if err := m.ResetCollection(); err != nil {
		return err
	}
	if err := m.StoreChunks(ctx, chunks, vectors); err != nil {
		return err
	}
	if m.exportFile != "" {
		return m.Export(m.exportFile)
	}
	return nil
}

// CreateMetadata keeps the chunk fields next to the stored text.
func CreateMetadata(c models.Chunk) map[string]string {
	return map[string]string{
		"source":   c.Source,
		"page":     strconv.Itoa(c.Page),
		"chunk_id": strconv.Itoa(c.ChunkID),
	}
}

func (m *VectorDBManager) Len() int {
	return m.collection.Count()
}

// Search queries the collection and reports L2 distances. Stored rows are unit
// vectors, so for a query of norm n and cosine s, |q-v|^2 = n^2 + 1 - 2ns.
func (m *VectorDBManager) Search(ctx context.Context, query []float32, k int) ([]index.Hit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding must be provided")
	}
	n := m.collection.Count()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	qn := norm(query)
	if qn == 0 {
		hits := make([]index.Hit, k)
		for row := range hits {
			hits[row] = index.Hit{Row: row, Distance: 1}
		}
		return hits, nil
	}

	results, err := m.collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: query,
		NResults:       k,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	hits := make([]index.Hit, 0, len(results))
	for _, r := range results {
		row, err := strconv.Atoi(r.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: document id %q is not a row", models.ErrArtifactMismatch, r.ID)
		}
		hits = append(hits, index.Hit{Row: row, Distance: similarityToL2(r.Similarity, qn)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Row < hits[j].Row
	})
	return hits, nil
}

func similarityToL2(s float32, queryNorm float64) float32 {
	d := queryNorm*queryNorm + 1 - 2*queryNorm*float64(s)
	if d < 0 {
		d = 0
	}
	return float32(math.Sqrt(d))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Export writes the collection to a single file, encrypted when a key is set.
func (m *VectorDBManager) Export(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("export file path is required")
	}
	log.Debug().Str("collection", m.collectionName).Str("file", filePath).Bool("compress", m.compress).Msg("Exporting collection")
	if err := m.db.ExportToFile(filePath, m.compress, m.encryptionKey, m.collectionName); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import replaces the collection with the one stored in filePath.
func (m *VectorDBManager) Import(filePath string) error {
	if err := m.db.ImportFromFile(filePath, m.encryptionKey, m.collectionName); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	c := m.db.GetCollection(m.collectionName, nil)
	if c == nil {
		return fmt.Errorf("%w: collection %s not in %s", models.ErrMissingArtifact, m.collectionName, filePath)
	}
	m.collection = c
	return nil
}
