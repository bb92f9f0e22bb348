package retrieval

import (
	"errors"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

// ErrRetrievalUnavailable is returned when the chunk store is empty or cannot
// be reached, or when the query cannot be embedded.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// #region config
// RetrievalConfig holds limits for nearest-chunk retrieval.
type RetrievalConfig struct {
	TopK           int // Max results from vector search
	MaxEvidenceLen int // Max runes per evidence chunk; longer chunks are dropped
}

// DefaultConfig returns sensible defaults for retrieval.
func DefaultConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:           5,
		MaxEvidenceLen: chunk.MaxTextLen,
	}
}

// #endregion config

// #region result
// Result is the ordered evidence for one query, best match first.
type Result struct {
	Query string
	Hits  []chunk.Hit
}

// Chunks returns the hit chunks in rank order.
func (r Result) Chunks() []chunk.Chunk {
	out := make([]chunk.Chunk, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Chunk
	}
	return out
}

// IDs returns the hit chunk ids in rank order.
func (r Result) IDs() []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Chunk.ID
	}
	return out
}

// BestScore returns the top similarity, or false when there are no hits.
func (r Result) BestScore() (float64, bool) {
	if len(r.Hits) == 0 {
		return 0, false
	}
	return r.Hits[0].Score, true
}

// #endregion result
