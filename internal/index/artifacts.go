package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"smartquery/internal/helper"
	"smartquery/internal/models"
)

// SaveMetadata writes the chunk records as a JSON array, one per index row.
func SaveMetadata(path string, chunks []models.Chunk) error {
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	if err := helper.WriteJSONAtomic(path, chunks); err != nil {
		return fmt.Errorf("save metadata %s: %w", path, err)
	}
	return nil
}

func LoadMetadata(path string) ([]models.Chunk, error) {
	chunks, _, err := readMetadata(path)
	return chunks, err
}

// readMetadata returns the records and the digest of the file they came from.
func readMetadata(path string) ([]models.Chunk, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", models.ErrMissingArtifact, path)
		}
		return nil, "", fmt.Errorf("read metadata %s: %w", path, err)
	}
	var chunks []models.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, "", fmt.Errorf("%w: decode metadata %s: %v", models.ErrArtifactMismatch, path, err)
	}
	return chunks, digest(data), nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save writes the metadata, then the index stamped with the metadata digest.
// The index is renamed into place last, so a build that fails part way leaves
// either the previous pair or a pair that Open rejects.
func Save(indexPath, metadataPath string, idx *Flat, chunks []models.Chunk) error {
	if idx.Len() != len(chunks) {
		return fmt.Errorf("%w: %d vectors, %d chunks", models.ErrArtifactMismatch, idx.Len(), len(chunks))
	}
	if err := SaveMetadata(metadataPath, chunks); err != nil {
		return err
	}
	_, sum, err := readMetadata(metadataPath)
	if err != nil {
		return err
	}
	idx.metaDigest = sum
	if err := idx.Save(indexPath); err != nil {
		return err
	}
	log.Info().Str("index", indexPath).Str("metadata", metadataPath).Int("rows", idx.Len()).Msg("Saved index artifacts")
	return nil
}

// Open loads both artifacts and checks that they were written by the same
// build.
func Open(indexPath, metadataPath string) (*Flat, []models.Chunk, error) {
	idx, err := LoadFlat(indexPath)
	if err != nil {
		return nil, nil, err
	}
	chunks, sum, err := readMetadata(metadataPath)
	if err != nil {
		return nil, nil, err
	}
	if idx.Len() != len(chunks) {
		return nil, nil, fmt.Errorf("%w: index has %d rows, metadata has %d records", models.ErrArtifactMismatch, idx.Len(), len(chunks))
	}
	if idx.MetadataDigest() != sum {
		return nil, nil, fmt.Errorf("%w: %s was not written by build %s", models.ErrArtifactMismatch, metadataPath, idx.BuildID())
	}
	log.Debug().Int("rows", idx.Len()).Int("dim", idx.Dim()).Str("model", idx.Identity()).Str("build", idx.BuildID()).Msg("Opened index")
	return idx, chunks, nil
}
