package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"

	"smartquery/internal/chromemdb"
	"smartquery/internal/config"
	"smartquery/internal/db"
	"smartquery/internal/embedding"
	"smartquery/internal/helper"
	"smartquery/internal/models"
	"smartquery/internal/rag"
)

type dryRunSummary struct {
	Documents int            `json:"documents"`
	Pages     int            `json:"pages"`
	Chunks    int            `json:"chunks"`
	PerSource map[string]int `json:"chunks_per_source"`
}

func main() {
	configPath := flag.String("config", config.Path(), "Path to the config file")
	dir := flag.String("dir", "", "Documents directory, overrides documents_dir from the config")
	dryRun := flag.Bool("dry-run", false, "Load and chunk documents only, do not embed or save")
	flag.Parse()

	helper.SetupLogger("info")
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	helper.SetupLogger(cfg.LogLevel)
	if *dir != "" {
		cfg.DocumentsDir = *dir
	}
	log.Debug().Str("documents_dir", cfg.DocumentsDir).Str("backend", cfg.Index.Backend).Str("embedding", cfg.EmbedLLM.Provider+":"+cfg.EmbedLLM.Model).Msg("Loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	handle := embedding.NewHandle(cfg.EmbedLLM)
	defer handle.Close()

	if *dryRun {
		docs, chunks, err := rag.NewIndexer(cfg, handle).Chunk()
		if err != nil {
			log.Fatal().Err(err).Msg("Error chunking documents")
		}
		helper.PrettyPrint(os.Stdout, summarize(docs, chunks))
		return
	}

	var mirrors []rag.Mirror
	if cfg.Chromem.Enabled {
		if err := helper.CreateFolder(cfg.Chromem.Path); err != nil {
			log.Fatal().Err(err).Msg("Error creating folder")
		}
		m, err := chromemdb.NewVectorDBManager(cfg.Chromem, false, cfg.RAG.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Error creating vector database manager")
		}
		mirrors = append(mirrors, m)
	}
	if cfg.Database.Enabled {
		sqldb, err := db.ConnectDB(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Error connecting to database")
		}
		dbInstance := db.NewDB(sqldb, cfg.Database.Debug)
		defer dbInstance.Close()
		mirrors = append(mirrors, db.NewMirror(dbInstance, cfg.Database.Table))
	}

	stats, err := rag.NewIndexer(cfg, handle, mirrors...).Build(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Error building index")
	}
	log.Info().
		Int("documents", stats.Documents).
		Int("pages", stats.Pages).
		Int("dimension", stats.Dimension).
		Str("build", stats.BuildID).
		Msgf("Indexed %d chunks into %s", stats.Chunks, cfg.Index.Path)
}

func summarize(docs []models.Document, chunks []models.Chunk) dryRunSummary {
	s := dryRunSummary{Documents: len(docs), Chunks: len(chunks), PerSource: map[string]int{}}
	for _, d := range docs {
		s.Pages += len(d.Pages)
	}
	for _, c := range chunks {
		s.PerSource[c.Source]++
	}
	return s
}
