package parser

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"smartquery/internal/models"
)

// SplitText cuts text into windows of size runes whose starts are
// size-overlap apart. The last window may be shorter.
func SplitText(text string, size, overlap int) ([]string, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", models.ErrInvalidChunking, size, overlap)
	}
	runes := []rune(text)
	step := size - overlap

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks, nil
}

// ChunkDocuments splits every non-blank page of docs. The result order is
// document, then page, then chunk, and chunk ids restart at 0 on every page.
func ChunkDocuments(docs []models.Document, size, overlap int) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for _, doc := range docs {
		for _, page := range doc.Pages {
			// skip blank pages
			if strings.TrimSpace(page.Text) == "" {
				continue
			}
			parts, err := SplitText(page.Text, size, overlap)
			if err != nil {
				return nil, err
			}
			for i, part := range parts {
				chunks = append(chunks, models.Chunk{
					Source:  doc.Source,
					Page:    page.Number,
					ChunkID: i,
					Text:    part,
				})
			}
		}
	}
	log.Info().Int("chunks", len(chunks)).Int("documents", len(docs)).Msgf("Created %d chunks from %d documents", len(chunks), len(docs))
	return chunks, nil
}
