package chunk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL,
	position      INTEGER NOT NULL,
	text          TEXT NOT NULL,
	embedding     BLOB NOT NULL,
	source        TEXT,
	title         TEXT,
	url           TEXT,
	published_at  TEXT,
	ingested_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, position);
`

// #endregion schema

// #region store-struct
// SQLiteStore keeps chunks and their embeddings in SQLite and answers
// similarity queries with an exact cosine scan. The corpus is a few thousand
// news chunks, so a scan is cheaper than maintaining an index.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// #endregion store-struct

// #region constructor
// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		dim = DefaultDim
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, dim: dim}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Dim returns the embedding dimensionality enforced by the store.
func (s *SQLiteStore) Dim() int {
	return s.dim
}

// #endregion constructor

// #region put
// Put inserts chunks that are not already stored and returns how many were new.
// Chunk ids are stable hashes from ingestion, so re-loading a batch is a no-op.
func (s *SQLiteStore) Put(ctx context.Context, chunks []Chunk) (int, error) {
	for _, c := range chunks {
		if err := c.Validate(s.dim); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO chunks
		 (chunk_id, document_id, position, text, embedding, source, title, url, published_at, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range chunks {
		ingested := c.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now().UTC()
		}
		res, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.Position, c.Text, EncodeVector(c.Embedding),
			c.Source, c.Title, c.URL, c.PublishedAt, ingested.Format(time.RFC3339Nano),
		)
		if err != nil {
			return 0, fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// #endregion put

// #region similarity-search
// SimilaritySearch scores every stored chunk against vector and returns the top k.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("query vector dim %d, want %d", len(vector), s.dim)
	}
	if err := CheckFinite(vector); err != nil {
		return nil, fmt.Errorf("query vector: %w", err)
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, document_id, position, text, embedding, source, title, url, published_at, ingested_at
		 FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{Chunk: c, Score: Cosine(vector, c.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// #endregion similarity-search

// #region counts
// IsEmpty reports whether the store holds no chunks.
func (s *SQLiteStore) IsEmpty(ctx context.Context) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chunks)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("check empty: %w", err)
	}
	return exists == 0, nil
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Embeddings returns every stored embedding, used as the drift baseline.
func (s *SQLiteStore) Embeddings(ctx context.Context) ([][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT embedding FROM chunks ORDER BY chunk_id`)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, DecodeVector(blob))
	}
	return out, rows.Err()
}

// #endregion counts

// #region helpers
func scanChunk(rows *sql.Rows) (Chunk, error) {
	var c Chunk
	var blob []byte
	var source, title, url, published sql.NullString
	var ingested string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Text, &blob,
		&source, &title, &url, &published, &ingested); err != nil {
		return Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	c.Embedding = DecodeVector(blob)
	c.Source = source.String
	c.Title = title.String
	c.URL = url.String
	c.PublishedAt = published.String
	c.IngestedAt, _ = time.Parse(time.RFC3339Nano, ingested)
	return c, nil
}

// #endregion helpers
