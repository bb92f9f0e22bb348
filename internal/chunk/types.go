package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// #region bounds
const (
	MinTextLen = 50  // runes
	MaxTextLen = 500 // runes

	// DefaultDim matches all-MiniLM-L6-v2, the model the ingestion side embeds with.
	DefaultDim = 384
)

// ErrInvalidChunk is returned by Validate and by store writes.
var ErrInvalidChunk = errors.New("invalid chunk")

// #endregion bounds

// #region chunk
// Chunk is a bounded span of a source article. Chunks are immutable once stored;
// adjacent chunks of one document may overlap by up to 50 characters.
type Chunk struct {
	ID          string
	DocumentID  string
	Position    int
	Text        string
	Embedding   []float32
	Source      string // feed name, e.g. "techcrunch"
	Title       string
	URL         string
	PublishedAt string
	IngestedAt  time.Time
}

// Validate checks text bounds and embedding dimensionality.
func (c Chunk) Validate(dim int) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidChunk)
	}
	if c.DocumentID == "" {
		return fmt.Errorf("%w: chunk %s has no document id", ErrInvalidChunk, c.ID)
	}
	n := utf8.RuneCountInString(c.Text)
	if n < MinTextLen || n > MaxTextLen {
		return fmt.Errorf("%w: chunk %s text length %d outside [%d, %d]", ErrInvalidChunk, c.ID, n, MinTextLen, MaxTextLen)
	}
	if len(c.Embedding) != dim {
		return fmt.Errorf("%w: chunk %s embedding dim %d, want %d", ErrInvalidChunk, c.ID, len(c.Embedding), dim)
	}
	if err := CheckFinite(c.Embedding); err != nil {
		return fmt.Errorf("%w: chunk %s: %v", ErrInvalidChunk, c.ID, err)
	}
	return nil
}

// #endregion chunk

// #region hit
// Hit pairs a chunk with its similarity to a query vector.
type Hit struct {
	Chunk Chunk
	Score float64
}

// #endregion hit

// #region store
// Store is the read side of the chunk store. Implementations must be safe for
// concurrent readers.
type Store interface {
	// SimilaritySearch returns at most k hits ordered by descending similarity.
	SimilaritySearch(ctx context.Context, vector []float32, k int) ([]Hit, error)
	IsEmpty(ctx context.Context) (bool, error)
}

// Writer is the ingestion side: the chunk loader puts chunks and reads the
// stored embeddings back as a drift baseline.
type Writer interface {
	Store
	Put(ctx context.Context, chunks []Chunk) (int, error)
	Embeddings(ctx context.Context) ([][]float32, error)
	Close() error
}

// #endregion store
