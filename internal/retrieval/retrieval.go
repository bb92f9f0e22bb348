package retrieval

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/embed"
)

// #region retriever
// Retriever finds the chunks nearest to a query in embedding space.
type Retriever struct {
	store    chunk.Store
	embedder embed.Embedder
	config   RetrievalConfig
	log      *zap.Logger
}

// NewRetriever creates a Retriever. The embedder must be the one the stored
// chunks were embedded with.
func NewRetriever(store chunk.Store, embedder embed.Embedder, config RetrievalConfig, log *zap.Logger) *Retriever {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retriever{store: store, embedder: embedder, config: config, log: log.Named("retriever")}
}

// #endregion retriever

// #region retrieve
// Retrieve returns at most k chunks ordered by descending cosine similarity.
// k <= 0 uses the configured TopK. An empty or unreachable store, or a query
// that cannot be embedded, yields ErrRetrievalUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (Result, error) {
	if k <= 0 {
		k = r.config.TopK
	}
	result := Result{Query: query}

	empty, err := r.store.IsEmpty(ctx)
	if err != nil {
		r.log.Warn("store unreachable", zap.Error(err))
		return result, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	if empty {
		return result, fmt.Errorf("%w: chunk store is empty", ErrRetrievalUnavailable)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.log.Warn("query embedding failed", zap.Error(err))
		return result, fmt.Errorf("%w: embed query: %v", ErrRetrievalUnavailable, err)
	}

	hits, err := r.store.SimilaritySearch(ctx, vec, k)
	if err != nil {
		r.log.Warn("similarity search failed", zap.Error(err))
		return result, fmt.Errorf("%w: search: %v", ErrRetrievalUnavailable, err)
	}

	result.Hits = r.consistencyCheck(hits)
	chunk.SortHits(result.Hits)
	if len(result.Hits) > k {
		result.Hits = result.Hits[:k]
	}

	best, _ := result.BestScore()
	r.log.Debug("retrieved",
		zap.Int("k", k),
		zap.Int("searched", len(hits)),
		zap.Int("kept", len(result.Hits)),
		zap.Float64("best_similarity", best),
	)
	return result, nil
}

// #endregion retrieve

// #region consistency-check
// consistencyCheck drops hits with empty or overlong text and duplicate ids.
func (r *Retriever) consistencyCheck(hits []chunk.Hit) []chunk.Hit {
	seen := make(map[string]bool)
	var valid []chunk.Hit

	for _, h := range hits {
		if h.Chunk.Text == "" {
			continue
		}
		if r.config.MaxEvidenceLen > 0 && utf8.RuneCountInString(h.Chunk.Text) > r.config.MaxEvidenceLen {
			continue
		}
		if seen[h.Chunk.ID] {
			continue
		}
		seen[h.Chunk.ID] = true
		valid = append(valid, h)
	}

	return valid
}

// #endregion consistency-check
