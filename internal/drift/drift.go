// Package drift compares the embedding centroid of a new batch of chunks with
// the centroid of the stored corpus.
package drift

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

// DefaultThreshold is the centroid cosine distance above which a batch is
// reported as drifted.
const DefaultThreshold = 0.15

// ErrDimMismatch is returned when the vectors do not share one dimensionality.
var ErrDimMismatch = errors.New("embedding dimension mismatch")

// #region report
// Report is the outcome of one drift check.
type Report struct {
	Drifted       bool
	Distance      float64
	Threshold     float64
	BaselineCount int
	BatchCount    int
	Message       string
}

// #endregion report

// #region detect
// Detect reports drift when the cosine distance between the baseline and batch
// centroids exceeds threshold. An empty baseline or batch is never drift. A
// zero centroid has distance 1.
func Detect(baseline, batch [][]float32, threshold float64) (Report, error) {
	r := Report{Threshold: threshold, BaselineCount: len(baseline), BatchCount: len(batch)}
	if len(baseline) == 0 {
		r.Message = "no baseline yet"
		return r, nil
	}
	if len(batch) == 0 {
		r.Message = "no new embeddings"
		return r, nil
	}

	base, err := Centroid(baseline)
	if err != nil {
		return r, fmt.Errorf("baseline centroid: %w", err)
	}
	fresh, err := Centroid(batch)
	if err != nil {
		return r, fmt.Errorf("batch centroid: %w", err)
	}
	if len(base) != len(fresh) {
		return r, fmt.Errorf("%w: baseline %d, batch %d", ErrDimMismatch, len(base), len(fresh))
	}

	r.Distance = 1 - chunk.Cosine(base, fresh)
	r.Drifted = r.Distance > threshold
	if r.Drifted {
		r.Message = fmt.Sprintf("drift detected: distance=%.4f > threshold=%.2f", r.Distance, threshold)
	} else {
		r.Message = fmt.Sprintf("no drift: distance=%.4f within threshold=%.2f", r.Distance, threshold)
	}
	return r, nil
}

// Centroid is the element-wise mean of vectors, which must share a length.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d, want %d", ErrDimMismatch, i, len(v), dim)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for j := range sum {
		out[j] = float32(sum[j] / n)
	}
	return out, nil
}

// #endregion detect
