package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"smartquery/internal/config"
	"smartquery/internal/index"
	"smartquery/internal/models"
)

const insertBatchSize = 500

// ChunkRow is one index row mirrored into Postgres. ID is the row number.
type ChunkRow struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`

	ID        int64           `bun:"id,pk"`
	Source    string          `bun:"source,notnull"`
	Page      int             `bun:"page,notnull"`
	ChunkID   int             `bun:"chunk_id,notnull"`
	Content   string          `bun:"content,notnull"`
	Embedding pgvector.Vector `bun:"embedding,notnull,type:vector"`
	Distance  float32         `bun:"distance,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens a lazy connection pool with the configured driver.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", cfg.DSN)
	case "pgdriver", "":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// InitDB enables pgvector and creates the chunk table.
func InitDB(ctx context.Context, db *bun.DB, table string) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	_, err := db.NewCreateTable().
		Model((*ChunkRow)(nil)).
		ModelTableExpr("?", bun.Ident(table)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func DropChunks(ctx context.Context, db *bun.DB, table string) error {
	_, err := db.NewDropTable().Table(table).IfExists().Exec(ctx)
	return err
}

// StoreChunks inserts chunks[i] with vectors[i] as row i.
func StoreChunks(ctx context.Context, db *bun.DB, table string, chunks []models.Chunk, vectors [][]float32) error {
	rows, err := buildRows(chunks, vectors)
	if err != nil {
		return err
	}
	for start := 0; start < len(rows); start += insertBatchSize {
		batch := rows[start:min(start+insertBatchSize, len(rows))]
		_, err := db.NewInsert().
			Model(&batch).
			ModelTableExpr("? AS c", bun.Ident(table)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert chunks %d-%d: %w", start, start+len(batch)-1, err)
		}
	}
	log.Info().Int("rows", len(rows)).Str("table", table).Msg("Stored chunks in database")
	return nil
}

// Mirror rebuilds the chunk table from scratch on every index build.
type Mirror struct {
	db    *bun.DB
	table string
}

func NewMirror(db *bun.DB, table string) *Mirror {
	return &Mirror{db: db, table: table}
}

func (m *Mirror) Mirror(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if err := DropChunks(ctx, m.db, m.table); err != nil {
		return fmt.Errorf("drop %s: %w", m.table, err)
	}
	if err := InitDB(ctx, m.db, m.table); err != nil {
		return err
	}
	return StoreChunks(ctx, m.db, m.table, chunks, vectors)
}

func buildRows(chunks []models.Chunk, vectors [][]float32) ([]ChunkRow, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%w: %d chunks, %d vectors", models.ErrArtifactMismatch, len(chunks), len(vectors))
	}
	rows := make([]ChunkRow, len(chunks))
	for i, c := range chunks {
		rows[i] = ChunkRow{
			ID:        int64(i),
			Source:    c.Source,
			Page:      c.Page,
			ChunkID:   c.ChunkID,
			Content:   c.Text,
			Embedding: pgvector.NewVector(vectors[i]),
		}
	}
	return rows, nil
}

// Store searches the chunk table with the pgvector L2 operator.
type Store struct {
	db    *bun.DB
	table string
	rows  int
}

// OpenStore counts the stored rows once; the table is not expected to change
// during a session.
func OpenStore(ctx context.Context, db *bun.DB, table string) (*Store, error) {
	n, err := db.NewSelect().
		Model((*ChunkRow)(nil)).
		ModelTableExpr("? AS c", bun.Ident(table)).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	return &Store{db: db, table: table, rows: n}, nil
}

func (s *Store) Len() int { return s.rows }

func (s *Store) Search(ctx context.Context, query []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	var rows []ChunkRow
	if err := searchQuery(s.db, s.table, query, k).Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("search %s: %w", s.table, err)
	}
	hits := make([]index.Hit, len(rows))
	for i, r := range rows {
		hits[i] = index.Hit{Row: int(r.ID), Distance: r.Distance}
	}
	return hits, nil
}

func searchQuery(db *bun.DB, table string, query []float32, k int) *bun.SelectQuery {
	return db.NewSelect().
		Model((*ChunkRow)(nil)).
		ModelTableExpr("? AS c", bun.Ident(table)).
		Column("id").
		ColumnExpr("c.embedding <-> ? AS distance", pgvector.NewVector(query)).
		OrderExpr("distance ASC, c.id ASC").
		Limit(k)
}
