package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartquery/internal/config"
	"smartquery/internal/embedding"
	"smartquery/internal/index"
	"smartquery/internal/models"
)

type recordingCompleter struct {
	prompts []string
	out     string
	err     error
}

func (r *recordingCompleter) Complete(_ context.Context, prompt string) (string, error) {
	r.prompts = append(r.prompts, prompt)
	return r.out, r.err
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, models.ErrEmbeddingFailed
}

func (failingEmbedder) Identity() string { return "fail:test" }

type recordingMirror struct {
	rows int
}

func (m *recordingMirror) Mirror(_ context.Context, chunks []models.Chunk, vectors [][]float32) error {
	m.rows = len(vectors)
	return nil
}

func testConfig(t *testing.T, docsDir string) *config.Config {
	t.Helper()
	out := t.TempDir()
	cfg := config.Default()
	cfg.DocumentsDir = docsDir
	cfg.Extensions = []string{".txt"}
	cfg.Index.Path = filepath.Join(out, "vector.index")
	cfg.Index.MetadataPath = filepath.Join(out, "chunks.json")
	return cfg
}

func hashHandle() *embedding.Handle {
	return embedding.NewHandle(config.LLMConfig{Provider: "hash", Model: "test", Dimension: 64})
}

// onePagePDF builds a one page PDF showing text in Helvetica.
func onePagePDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func TestBuildAndAsk_SinglePagePDF(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "doc.pdf"), onePagePDF("hello world"), 0o644))
	cfg := testConfig(t, docs)
	cfg.Extensions = []string{".pdf"}
	handle := hashHandle()

	stats, err := NewIndexer(cfg, handle).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)

	raw, err := os.ReadFile(cfg.Index.MetadataPath)
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(raw, &records))
	assert.Equal(t, []map[string]any{
		{"source": "doc.pdf", "page": float64(1), "chunk_id": float64(0), "text": "hello world"},
	}, records)

	flat, chunks, err := index.Open(cfg.Index.Path, cfg.Index.MetadataPath)
	require.NoError(t, err)
	engine, err := NewEngine(handle, flat.Identity(), flat, chunks, &recordingCompleter{out: "ok"}, Options{})
	require.NoError(t, err)

	vec, err := engine.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	results, err := engine.Search(context.Background(), vec, 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.Chunk{Source: "doc.pdf", Page: 1, ChunkID: 0, Text: "hello world"}, results[0].Chunk)
}

func TestBuildAndAsk_SinglePageDocument(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "doc.txt"), []byte("hello world"), 0o644))
	cfg := testConfig(t, docs)
	handle := hashHandle()
	mirror := &recordingMirror{}

	stats, err := NewIndexer(cfg, handle, mirror).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 64, stats.Dimension)
	assert.NotEmpty(t, stats.BuildID)
	assert.Equal(t, 1, mirror.rows)

	flat, chunks, err := index.Open(cfg.Index.Path, cfg.Index.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, []models.Chunk{{Source: "doc.txt", Page: 1, ChunkID: 0, Text: "hello world"}}, chunks)
	assert.Equal(t, stats.BuildID, flat.BuildID())

	completer := &recordingCompleter{out: "Hello world [SRC_0]."}
	engine, err := NewEngine(handle, flat.Identity(), flat, chunks, completer, Options{TopK: 3})
	require.NoError(t, err)

	vec, err := engine.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	results, err := engine.Search(context.Background(), vec, 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc.txt", results[0].Chunk.Source)

	answer, err := engine.Ask(context.Background(), "What does the document say?")
	require.NoError(t, err)
	assert.Equal(t, "Hello world [SRC_0].", answer.Text)
	assert.Equal(t, []models.Source{{Rank: 0, Source: "doc.txt", Page: 1}}, answer.Sources)

	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "[SRC_0] (doc.txt: p.1) hello world")
	assert.Contains(t, completer.prompts[0], "What does the document say?")
}

func TestBuild_NoChunksWritesNothing(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "blank.txt"), []byte(" \n\t"), 0o644))
	cfg := testConfig(t, docs)

	_, err := NewIndexer(cfg, hashHandle()).Build(context.Background())
	require.ErrorIs(t, err, models.ErrNoChunks)
	assert.NoFileExists(t, cfg.Index.Path)
	assert.NoFileExists(t, cfg.Index.MetadataPath)
}

func TestBuild_EmbeddingFailureWritesNothing(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte("some text"), 0o644))
	cfg := testConfig(t, docs)

	_, err := NewIndexer(cfg, failingEmbedder{}).Build(context.Background())
	require.ErrorIs(t, err, models.ErrEmbeddingFailed)
	assert.NoFileExists(t, cfg.Index.Path)
	assert.NoFileExists(t, cfg.Index.MetadataPath)
}

func TestBuild_RowOrderMatchesMetadata(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.txt"), []byte(strings.Repeat("alpha beta ", 150)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "b.txt"), []byte("gamma delta"), 0o644))
	cfg := testConfig(t, docs)
	handle := hashHandle()

	stats, err := NewIndexer(cfg, handle).Build(context.Background())
	require.NoError(t, err)

	flat, chunks, err := index.Open(cfg.Index.Path, cfg.Index.MetadataPath)
	require.NoError(t, err)
	require.Equal(t, stats.Chunks, len(chunks))
	require.Equal(t, flat.Len(), len(chunks))

	for row, c := range chunks {
		want, err := handle.EmbedQuery(context.Background(), c.Text)
		require.NoError(t, err)
		assert.Equal(t, want, flat.Vector(row), "row %d", row)
	}
}

func TestNewEngine_RejectsOtherModel(t *testing.T) {
	flat := index.NewFlat(64, "ollama:all-minilm", "b")
	_, err := NewEngine(hashHandle(), flat.Identity(), flat, nil, &recordingCompleter{}, Options{})
	require.ErrorIs(t, err, models.ErrModelMismatch)
}

func TestNewEngine_RejectsRowCountMismatch(t *testing.T) {
	flat := index.NewFlat(64, "hash:test", "b")
	_, err := NewEngine(hashHandle(), flat.Identity(), flat, []models.Chunk{{Text: "orphan"}}, &recordingCompleter{}, Options{})
	require.ErrorIs(t, err, models.ErrArtifactMismatch)
}

func TestSearch_BoundsAndDefaultK(t *testing.T) {
	handle := hashHandle()
	texts := []string{"one", "two", "three", "four", "five"}
	vectors, err := handle.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)

	flat := index.NewFlat(64, handle.Identity(), "b")
	require.NoError(t, flat.Add(vectors...))
	chunks := make([]models.Chunk, len(texts))
	for i, s := range texts {
		chunks[i] = models.Chunk{Source: "n.txt", Page: i + 1, Text: s}
	}
	engine, err := NewEngine(handle, flat.Identity(), flat, chunks, &recordingCompleter{}, Options{})
	require.NoError(t, err)

	results, err := engine.Search(context.Background(), vectors[2], 0)
	require.NoError(t, err)
	require.Len(t, results, models.DefaultTopK)
	assert.Equal(t, "three", results[0].Chunk.Text)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}

	results, err = engine.Search(context.Background(), vectors[0], 50)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestBuildContext_TagsAndTruncation(t *testing.T) {
	long := strings.Repeat("é", 701)
	results := []models.SearchResult{
		{Chunk: models.Chunk{Source: "A.pdf", Page: 3, Text: "first line\nsecond line"}},
		{Chunk: models.Chunk{Source: "B.pdf", Page: 7, Text: long}},
		{Chunk: models.Chunk{Source: "C.pdf", Page: 1, Text: strings.Repeat("x", 700)}},
	}

	got := FormatContext(results, models.DefaultContextChars)
	blocks := strings.Split(got, "\n\n")
	require.Len(t, blocks, 3)

	assert.Equal(t, "[SRC_0] (A.pdf: p.3) first line second line", blocks[0])
	assert.Equal(t, "[SRC_1] (B.pdf: p.7) "+strings.Repeat("é", 700)+"...", blocks[1])
	assert.Equal(t, "[SRC_2] (C.pdf: p.1) "+strings.Repeat("x", 700), blocks[2])
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("[SRC_0] (A.pdf: p.3) text", "What is X?")
	assert.Contains(t, p, "--- CONTEXT ---\n[SRC_0] (A.pdf: p.3) text\n")
	assert.Contains(t, p, "--- QUESTION ---\nWhat is X?\n")
	assert.Contains(t, p, models.FallbackAnswer)
	assert.Contains(t, p, "Cite your sources inline like [SRC_0]")
}

func TestAsk_SurfacesCompletionErrors(t *testing.T) {
	handle := hashHandle()
	flat := index.NewFlat(64, handle.Identity(), "b")
	v, err := handle.EmbedQuery(context.Background(), "only chunk")
	require.NoError(t, err)
	require.NoError(t, flat.Add(v))

	engine, err := NewEngine(handle, flat.Identity(), flat, []models.Chunk{{Source: "a.txt", Page: 1, Text: "only chunk"}},
		&recordingCompleter{err: models.ErrModelUnavailable}, Options{})
	require.NoError(t, err)

	_, err = engine.Ask(context.Background(), "q")
	require.True(t, errors.Is(err, models.ErrModelUnavailable))
}
