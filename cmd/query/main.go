package main

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog/log"

	"smartquery/internal/chromemdb"
	"smartquery/internal/config"
	"smartquery/internal/db"
	"smartquery/internal/embedding"
	"smartquery/internal/helper"
	"smartquery/internal/index"
	"smartquery/internal/llmservice"
	"smartquery/internal/models"
	"smartquery/internal/rag"
)

func main() {
	helper.SetupLogger("info")
	cfg, err := config.LoadConfig(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.SetupLogger(cfg.LogLevel)

	ctx := context.Background()

	flat, chunks, err := index.Open(cfg.Index.Path, cfg.Index.MetadataPath)
	if err != nil {
		if errors.Is(err, models.ErrMissingArtifact) {
			log.Fatal().Err(err).Msg("Index not found, run buildindex first")
		}
		log.Fatal().Err(err).Msg("Error opening index")
	}

	searcher, closeSearcher, err := openSearcher(ctx, cfg, flat)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening search backend")
	}
	defer closeSearcher()

	handle := embedding.NewHandle(cfg.EmbedLLM)
	defer handle.Close()

	completer, err := llmservice.NewCompleter(&cfg.InferenceLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing completion model")
	}

	engine, err := rag.NewEngine(handle, flat.Identity(), searcher, chunks, completer, rag.Options{
		TopK:         cfg.RAG.TopK,
		ContextChars: cfg.RAG.ContextChars,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing query engine")
	}

	if err := rag.RunLoop(ctx, os.Stdin, os.Stdout, engine); err != nil {
		log.Fatal().Err(err).Msg("Error reading questions")
	}
}

// openSearcher returns the backend named by index.backend. The flat index is
// always loaded because it carries the embedding identity.
func openSearcher(ctx context.Context, cfg *config.Config, flat *index.Flat) (index.Searcher, func(), error) {
	switch cfg.Index.Backend {
	case "chromem":
		inMemory := cfg.Chromem.ExportFile != ""
		m, err := chromemdb.NewVectorDBManager(cfg.Chromem, inMemory, cfg.RAG.EncryptionKey)
		if err != nil {
			return nil, nil, err
		}
		if inMemory {
			if err := m.Import(cfg.Chromem.ExportFile); err != nil {
				return nil, nil, err
			}
		}
		return m, func() {}, nil
	case "postgres":
		sqldb, err := db.ConnectDB(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		dbInstance := db.NewDB(sqldb, cfg.Database.Debug)
		store, err := db.OpenStore(ctx, dbInstance, cfg.Database.Table)
		if err != nil {
			dbInstance.Close()
			return nil, nil, err
		}
		return store, func() { dbInstance.Close() }, nil
	default:
		return flat, func() {}, nil
	}
}
