// Package embed turns query and chunk text into vectors. Queries must be
// embedded by the same model that embedded the stored chunks.
package embed

import (
	"context"
	"errors"
	"fmt"

	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

// ErrEmptyText is returned when asked to embed an empty string.
var ErrEmptyText = errors.New("text cannot be empty")

// Embedder produces a fixed-dimension vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// #region sidecar
// SidecarClient is the slice of the inference client used for embedding.
type SidecarClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Sidecar embeds through the gRPC inference service and enforces dimensionality.
type Sidecar struct {
	client SidecarClient
	dim    int
}

// NewSidecar wraps an inference client. dim <= 0 disables the dimension check.
func NewSidecar(client SidecarClient, dim int) *Sidecar {
	return &Sidecar{client: client, dim: dim}
}

func (s *Sidecar) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vec, err := s.client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return checkDim(vec, s.dim)
}

// #endregion sidecar

// #region eino
// Service wraps an eino embedding model, such as the OpenAI-compatible embedder.
type Service struct {
	embedder embedding.Embedder
	dim      int
}

// NewService wraps an eino embedder. dim <= 0 disables the dimension check.
func NewService(embedder embedding.Embedder, dim int) *Service {
	return &Service{embedder: embedder, dim: dim}
}

// Embed generates an embedding vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one model call, preserving order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyText)
		}
	}

	vectors, err := s.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	out := make([][]float32, len(vectors))
	for i, v64 := range vectors {
		v := make([]float32, len(v64))
		for j, x := range v64 {
			v[j] = float32(x)
		}
		if out[i], err = checkDim(v, s.dim); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// #endregion eino

func checkDim(vec []float32, dim int) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	if dim > 0 && len(vec) != dim {
		return nil, fmt.Errorf("embedding dim %d, want %d", len(vec), dim)
	}
	if err := chunk.CheckFinite(vec); err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	return vec, nil
}

// #region openai
// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Dim     int
}

// NewOpenAI builds a Service over an OpenAI-compatible embeddings API.
func NewOpenAI(ctx context.Context, cfg OpenAIConfig) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	embedder, err := openaiEmbed.NewEmbedder(ctx, &openaiEmbed.EmbeddingConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return NewService(embedder, cfg.Dim), nil
}

// #endregion openai
