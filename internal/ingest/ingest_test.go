package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

// #region fakes
const testDim = 4

// constEmbedder returns the same vector for every text.
type constEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (c *constEmbedder) Embed(context.Context, string) ([]float32, error) {
	c.calls++
	return c.vec, c.err
}

// batchEmbedder also implements BatchEmbedder.
type batchEmbedder struct {
	constEmbedder
	batches int
}

func (b *batchEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	b.batches++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = b.vec
	}
	return out, nil
}

func tempStore(t *testing.T) *chunk.SQLiteStore {
	t.Helper()
	s, err := chunk.NewSQLiteStore(filepath.Join(t.TempDir(), "chunks.db"), testDim)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func raw(id, text string) RawChunk {
	return RawChunk{ChunkID: id, ArticleID: "art-" + id, Text: text, Source: "verge", Title: "T", URL: "https://example.com/" + id}
}

func longText(topic string) string {
	return fmt.Sprintf("Coverage of %s continues as analysts weigh what the announcement means for the market.", topic)
}

// #endregion fakes

// #region load-tests
func TestLoad_Fixture(t *testing.T) {
	recs, err := ReadFile(filepath.Join("testdata", "chunks.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(recs) != 3 || recs[1].ChunkIndex != 1 {
		t.Fatalf("unexpected fixture %+v", recs)
	}

	store := tempStore(t)
	l := NewLoader(store, &constEmbedder{vec: []float32{1, 0, 0, 0}}, testDim, DefaultConfig(), nil)
	stats, err := l.Load(context.Background(), recs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Read != 3 || stats.Stored != 2 || len(stats.Rejected) != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Rejected[0].ChunkID != "a2_chunk_0" {
		t.Errorf("expected the short chunk rejected, got %s", stats.Rejected[0].ChunkID)
	}
	if stats.Drift.Drifted || stats.Drift.Message != "no baseline yet" {
		t.Errorf("expected no drift on first load, got %+v", stats.Drift)
	}

	n, err := store.Count(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 stored chunks, got %d (%v)", n, err)
	}
	hits, err := store.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0}, 1)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v %v", hits, err)
	}
	if hits[0].Chunk.DocumentID != "a1" || !strings.HasPrefix(hits[0].Chunk.Text, "Nvidia") {
		t.Errorf("unexpected stored chunk %+v", hits[0].Chunk)
	}
}

func TestLoad_DriftAgainstStoredCorpus(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	first := NewLoader(store, &constEmbedder{vec: []float32{1, 0, 0, 0}}, testDim, DefaultConfig(), nil)
	if _, err := first.Load(ctx, []RawChunk{raw("c1", longText("chips")), raw("c2", longText("GPUs"))}); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	same := NewLoader(store, &constEmbedder{vec: []float32{0.9, 0.1, 0, 0}}, testDim, DefaultConfig(), nil)
	stats, err := same.Load(ctx, []RawChunk{raw("c3", longText("servers"))})
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if stats.Drift.Drifted || stats.Drift.BaselineCount != 2 {
		t.Errorf("expected no drift against a 2-chunk baseline, got %+v", stats.Drift)
	}

	shifted := NewLoader(store, &constEmbedder{vec: []float32{0, 0, 0, 1}}, testDim, DefaultConfig(), nil)
	stats, err = shifted.Load(ctx, []RawChunk{raw("c4", longText("gardening"))})
	if err != nil {
		t.Fatalf("third Load: %v", err)
	}
	if !stats.Drift.Drifted {
		t.Errorf("expected drift for an orthogonal batch, got %+v", stats.Drift)
	}
	if stats.Stored != 1 {
		t.Errorf("drift is reported, not blocking: expected 1 stored, got %d", stats.Stored)
	}
}

func TestLoad_UsesBatchEmbedder(t *testing.T) {
	store := tempStore(t)
	emb := &batchEmbedder{constEmbedder: constEmbedder{vec: []float32{0, 1, 0, 0}}}
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	stats, err := NewLoader(store, emb, testDim, cfg, nil).Load(context.Background(), []RawChunk{
		raw("b1", longText("one")), raw("b2", longText("two")), raw("b3", longText("three")),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if emb.batches != 2 || emb.calls != 0 {
		t.Errorf("expected 2 batch calls and no single calls, got %d/%d", emb.batches, emb.calls)
	}
	if stats.Stored != 3 {
		t.Errorf("expected 3 stored, got %d", stats.Stored)
	}
}

func TestLoad_DryRun(t *testing.T) {
	store := tempStore(t)
	cfg := DefaultConfig()
	cfg.DryRun = true

	stats, err := NewLoader(store, &constEmbedder{vec: []float32{1, 1, 0, 0}}, testDim, cfg, nil).
		Load(context.Background(), []RawChunk{raw("d1", longText("dry"))})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Stored != 0 {
		t.Errorf("expected nothing stored, got %d", stats.Stored)
	}
	if empty, _ := store.IsEmpty(context.Background()); !empty {
		t.Error("expected store to stay empty on a dry run")
	}
}

func TestLoad_RejectsDuplicatesAndBadDims(t *testing.T) {
	store := tempStore(t)
	stats, err := NewLoader(store, &constEmbedder{vec: []float32{1, 0, 0, 0}}, testDim, DefaultConfig(), nil).
		Load(context.Background(), []RawChunk{
			raw("x", longText("first")),
			raw("x", longText("again")),
			{ChunkID: "orphan", Text: longText("no article")},
		})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Stored != 1 || len(stats.Rejected) != 2 {
		t.Fatalf("expected 1 stored and 2 rejected, got %+v", stats)
	}

	// An embedder with the wrong dimensionality fails the store write.
	_, err = NewLoader(store, &constEmbedder{vec: []float32{1, 0}}, testDim, DefaultConfig(), nil).
		Load(context.Background(), []RawChunk{raw("y", longText("short vector"))})
	if err == nil {
		t.Fatal("expected error for wrong embedding dimension")
	}
}

func TestLoad_EmbedErrorAborts(t *testing.T) {
	store := tempStore(t)
	_, err := NewLoader(store, &constEmbedder{err: errors.New("sidecar down")}, testDim, DefaultConfig(), nil).
		Load(context.Background(), []RawChunk{raw("e1", longText("error"))})
	if err == nil || !strings.Contains(err.Error(), "sidecar down") {
		t.Fatalf("expected embed error, got %v", err)
	}
	if empty, _ := store.IsEmpty(context.Background()); !empty {
		t.Error("expected nothing stored after an embed failure")
	}
}

func TestReadFile_Errors(t *testing.T) {
	if _, err := ReadFile("testdata/missing.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// #endregion load-tests
