// Package ingest loads chunks produced by the external chunker, embeds them
// and writes them to the chunk store, checking the batch for embedding drift.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/drift"
	"github.com/danielpatrickdp/newsgate/internal/embed"
)

// #region types

// RawChunk is one entry of the chunker's combined chunks.json.
type RawChunk struct {
	ChunkID    string `json:"chunk_id"`
	ArticleID  string `json:"article_id"`
	Text       string `json:"text"`
	Source     string `json:"source"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Published  string `json:"published"`
	ChunkIndex int    `json:"chunk_index"`
}

// Config controls a load run.
type Config struct {
	BatchSize      int
	DriftThreshold float64
	DryRun         bool // validate and embed, but do not write
}

// DefaultConfig embeds 32 chunks per call and flags drift above 0.15.
func DefaultConfig() Config {
	return Config{BatchSize: 32, DriftThreshold: drift.DefaultThreshold}
}

// Rejected is a chunk that failed validation or embedding.
type Rejected struct {
	ChunkID string
	Reason  string
}

// Stats summarizes a load run.
type Stats struct {
	Read     int
	Stored   int
	Rejected []Rejected
	Drift    drift.Report
	Elapsed  time.Duration
}

// BatchEmbedder embeds many texts per call. embed.Service implements it.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// #endregion types

// #region read

// ReadFile parses a chunks.json file.
func ReadFile(path string) ([]RawChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chunks %s: %w", path, err)
	}
	var raw []RawChunk
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse chunks %s: %w", path, err)
	}
	return raw, nil
}

// ToChunk maps a raw entry to a chunk without an embedding.
func (r RawChunk) ToChunk(ingestedAt time.Time) chunk.Chunk {
	return chunk.Chunk{
		ID:          r.ChunkID,
		DocumentID:  r.ArticleID,
		Position:    r.ChunkIndex,
		Text:        strings.TrimSpace(r.Text),
		Source:      r.Source,
		Title:       r.Title,
		URL:         r.URL,
		PublishedAt: r.Published,
		IngestedAt:  ingestedAt,
	}
}

// #endregion read

// #region load

// Loader embeds and stores chunks.
type Loader struct {
	store    chunk.Writer
	embedder embed.Embedder
	dim      int
	config   Config
	log      *zap.Logger
}

// NewLoader creates a Loader writing dim-sized embeddings to store.
func NewLoader(store chunk.Writer, embedder embed.Embedder, dim int, config Config, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Loader{store: store, embedder: embedder, dim: dim, config: config, log: log.Named("ingest")}
}

// Load validates raw chunks, embeds the valid ones, runs the drift check
// against what is already stored and writes the batch. Invalid chunks are
// rejected individually; store and embedder failures abort the run.
func (l *Loader) Load(ctx context.Context, raw []RawChunk) (Stats, error) {
	start := time.Now()
	stats := Stats{Read: len(raw)}
	now := start.UTC()

	var pending []chunk.Chunk
	seen := make(map[string]bool)
	for _, r := range raw {
		c := r.ToChunk(now)
		if seen[c.ID] {
			stats.Rejected = append(stats.Rejected, Rejected{ChunkID: c.ID, Reason: "duplicate chunk id"})
			continue
		}
		seen[c.ID] = true
		// Validate everything but the embedding, which comes later
		c.Embedding = make([]float32, l.dim)
		if err := c.Validate(l.dim); err != nil {
			stats.Rejected = append(stats.Rejected, Rejected{ChunkID: c.ID, Reason: err.Error()})
			continue
		}
		c.Embedding = nil
		pending = append(pending, c)
	}

	baseline, err := l.store.Embeddings(ctx)
	if err != nil {
		return stats, fmt.Errorf("read drift baseline: %w", err)
	}

	for i := 0; i < len(pending); i += l.config.BatchSize {
		end := min(i+l.config.BatchSize, len(pending))
		if err := l.embedBatch(ctx, pending[i:end]); err != nil {
			return stats, err
		}
		l.log.Debug("embedded batch", zap.Int("done", end), zap.Int("total", len(pending)))
	}

	fresh := make([][]float32, len(pending))
	for i, c := range pending {
		fresh[i] = c.Embedding
	}
	stats.Drift, err = drift.Detect(baseline, fresh, l.config.DriftThreshold)
	if err != nil {
		return stats, fmt.Errorf("drift check: %w", err)
	}
	if stats.Drift.Drifted {
		l.log.Warn(stats.Drift.Message, zap.Int("baseline", stats.Drift.BaselineCount), zap.Int("batch", stats.Drift.BatchCount))
	} else {
		l.log.Info(stats.Drift.Message)
	}

	if !l.config.DryRun && len(pending) > 0 {
		n, err := l.store.Put(ctx, pending)
		if err != nil {
			return stats, fmt.Errorf("store chunks: %w", err)
		}
		stats.Stored = n
	}

	stats.Elapsed = time.Since(start)
	l.log.Info("load complete",
		zap.Int("read", stats.Read),
		zap.Int("stored", stats.Stored),
		zap.Int("rejected", len(stats.Rejected)),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return stats, nil
}

func (l *Loader) embedBatch(ctx context.Context, batch []chunk.Chunk) error {
	if be, ok := l.embedder.(BatchEmbedder); ok {
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := be.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embed batch: got %d vectors for %d texts", len(vecs), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = vecs[i]
		}
		return nil
	}

	for i := range batch {
		v, err := l.embedder.Embed(ctx, batch[i].Text)
		if err != nil {
			return fmt.Errorf("embed chunk %s: %w", batch[i].ID, err)
		}
		batch[i].Embedding = v
	}
	return nil
}

// #endregion load
