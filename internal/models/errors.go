package models

import "errors"

var (
	ErrInvalidChunking = errors.New("invalid chunk size or overlap")
	ErrNoChunks        = errors.New("no chunks produced from documents")
	ErrEmbeddingFailed = errors.New("embedding failed")

	ErrMissingArtifact  = errors.New("index artifact missing")
	ErrArtifactMismatch = errors.New("index and metadata do not match")
	ErrModelMismatch    = errors.New("embedding model differs from the one used to build the index")

	ErrModelUnavailable = errors.New("completion model unavailable")
	ErrEmptyResponse    = errors.New("completion model returned an empty response")
)
