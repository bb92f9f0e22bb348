package chunk

import (
	"errors"
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	original := make([]float32, DefaultDim)
	for i := range original {
		original[i] = float32(i) * 0.1
	}
	decoded := DecodeVector(EncodeVector(original))
	if len(decoded) != len(original) {
		t.Fatalf("expected %d dims, got %d", len(original), len(decoded))
	}
	for i := range original {
		if original[i] != decoded[i] {
			t.Fatalf("mismatch at %d: %f != %f", i, original[i], decoded[i])
		}
	}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Cosine(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("expected %f, got %f", tc.want, got)
			}
		})
	}
}

func TestSortHitsTieBreaksByID(t *testing.T) {
	hits := []Hit{
		{Chunk: Chunk{ID: "b"}, Score: 0.5},
		{Chunk: Chunk{ID: "c"}, Score: 0.9},
		{Chunk: Chunk{ID: "a"}, Score: 0.5},
	}
	SortHits(hits)
	got := []string{hits[0].Chunk.ID, hits[1].Chunk.ID, hits[2].Chunk.ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestCheckFinite(t *testing.T) {
	if err := CheckFinite([]float32{0, -1.5, 3}); err != nil {
		t.Fatalf("expected finite vector to pass, got %v", err)
	}
	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		if err := CheckFinite([]float32{1, bad}); !errors.Is(err, ErrNonFinite) {
			t.Errorf("%v: expected ErrNonFinite, got %v", bad, err)
		}
	}
}
