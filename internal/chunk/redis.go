package chunk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// #region fields
const (
	fieldDocumentID  = "document_id"
	fieldPosition    = "position"
	fieldText        = "text"
	fieldEmbedding   = "embedding"
	fieldSource      = "source"
	fieldTitle       = "title"
	fieldURL         = "url"
	fieldPublishedAt = "published_at"
	fieldIngestedAt  = "ingested_at"
	fieldDistance    = "distance"
)

// #endregion fields

// #region config
// RedisConfig holds the RediSearch connection and index settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	IndexName string
	KeyPrefix string
	Dim       int
}

// DefaultRedisConfig returns a local RediSearch setup for 384-dim chunks.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		IndexName: "newsgate-chunks",
		KeyPrefix: "chunk:",
		Dim:       DefaultDim,
	}
}

// #endregion config

// #region store-struct
// RedisStore serves similarity search from a RediSearch HNSW index with
// cosine distance. Hits carry chunk text and metadata but not the embedding.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStore connects, verifies the server and creates the index if needed.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultDim
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		Protocol: 2, // FT.* replies are parsed as RESP2 arrays
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	s := &RedisStore{client: client, cfg: cfg}
	if err := s.ensureIndex(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// #endregion store-struct

// #region index
func (s *RedisStore) ensureIndex(ctx context.Context) error {
	if _, err := s.client.Do(ctx, "FT.INFO", s.cfg.IndexName).Result(); err == nil {
		return nil
	}
	_, err := s.client.Do(ctx, "FT.CREATE", s.cfg.IndexName,
		"ON", "HASH",
		"PREFIX", "1", s.cfg.KeyPrefix,
		"SCHEMA",
		fieldEmbedding, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(s.cfg.Dim),
		"DISTANCE_METRIC", "COSINE",
		fieldText, "TEXT",
		fieldDocumentID, "TAG",
		fieldSource, "TAG",
		fieldPosition, "NUMERIC",
	).Result()
	if err != nil {
		return fmt.Errorf("create index %s: %w", s.cfg.IndexName, err)
	}
	return nil
}

// #endregion index

// #region put
// Put writes chunks as hashes under KeyPrefix+ID. Stable ids make re-puts idempotent.
func (s *RedisStore) Put(ctx context.Context, chunks []Chunk) (int, error) {
	for _, c := range chunks {
		if err := c.Validate(s.cfg.Dim); err != nil {
			return 0, err
		}
	}
	pipe := s.client.Pipeline()
	for _, c := range chunks {
		ingested := c.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now().UTC()
		}
		pipe.HSet(ctx, s.cfg.KeyPrefix+c.ID,
			fieldDocumentID, c.DocumentID,
			fieldPosition, c.Position,
			fieldText, c.Text,
			fieldEmbedding, EncodeVector(c.Embedding),
			fieldSource, c.Source,
			fieldTitle, c.Title,
			fieldURL, c.URL,
			fieldPublishedAt, c.PublishedAt,
			fieldIngestedAt, ingested.Format(time.RFC3339Nano),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("write chunks: %w", err)
	}
	return len(chunks), nil
}

// #endregion put

// #region similarity-search
// SimilaritySearch runs a KNN query. RediSearch reports cosine distance; hits
// carry similarity = 1 - distance.
func (s *RedisStore) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != s.cfg.Dim {
		return nil, fmt.Errorf("query vector dim %d, want %d", len(vector), s.cfg.Dim)
	}
	if err := CheckFinite(vector); err != nil {
		return nil, fmt.Errorf("query vector: %w", err)
	}
	if k <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf("*=>[KNN %d @%s $vec AS %s]", k, fieldEmbedding, fieldDistance)
	res, err := s.client.Do(ctx, "FT.SEARCH", s.cfg.IndexName, query,
		"PARAMS", "2", "vec", EncodeVector(vector),
		"SORTBY", fieldDistance, "ASC",
		"RETURN", "9", fieldDistance, fieldDocumentID, fieldPosition, fieldText,
		fieldSource, fieldTitle, fieldURL, fieldPublishedAt, fieldIngestedAt,
		"LIMIT", "0", strconv.Itoa(k),
		"DIALECT", "2",
	).Result()
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits, err := parseSearchReply(res, s.cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// #endregion similarity-search

// #region is-empty
// IsEmpty reads num_docs from FT.INFO.
func (s *RedisStore) IsEmpty(ctx context.Context) (bool, error) {
	res, err := s.client.Do(ctx, "FT.INFO", s.cfg.IndexName).Result()
	if err != nil {
		return false, fmt.Errorf("index info: %w", err)
	}
	n, err := parseNumDocs(res)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Embeddings scans every chunk hash under KeyPrefix and returns its
// embedding, used as the drift baseline.
func (s *RedisStore) Embeddings(ctx context.Context) ([][]float32, error) {
	var out [][]float32
	iter := s.client.Scan(ctx, 0, s.cfg.KeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.HGet(ctx, iter.Val(), fieldEmbedding).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read embedding %s: %w", iter.Val(), err)
		}
		out = append(out, DecodeVector(raw))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	return out, nil
}

// #endregion is-empty

// #region parsing
// parseSearchReply decodes a RESP2 FT.SEARCH reply:
// [total, key1, [field, value, ...], key2, [...], ...].
func parseSearchReply(res interface{}, keyPrefix string) ([]Hit, error) {
	values, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected search reply %T", res)
	}
	if len(values) == 0 {
		return nil, nil
	}

	var hits []Hit
	for i := 1; i+1 < len(values); i += 2 {
		key, ok := values[i].(string)
		if !ok {
			continue
		}
		fields, ok := values[i+1].([]interface{})
		if !ok {
			continue
		}
		c := Chunk{ID: strings.TrimPrefix(key, keyPrefix)}
		distance := 1.0
		for j := 0; j+1 < len(fields); j += 2 {
			name, _ := fields[j].(string)
			val := replyString(fields[j+1])
			switch name {
			case fieldDistance:
				if d, err := strconv.ParseFloat(val, 64); err == nil {
					distance = d
				}
			case fieldDocumentID:
				c.DocumentID = val
			case fieldPosition:
				c.Position, _ = strconv.Atoi(val)
			case fieldText:
				c.Text = val
			case fieldSource:
				c.Source = val
			case fieldTitle:
				c.Title = val
			case fieldURL:
				c.URL = val
			case fieldPublishedAt:
				c.PublishedAt = val
			case fieldIngestedAt:
				c.IngestedAt, _ = time.Parse(time.RFC3339Nano, val)
			}
		}
		hits = append(hits, Hit{Chunk: c, Score: 1 - distance})
	}
	return hits, nil
}

// parseNumDocs finds num_docs in a RESP2 FT.INFO reply.
func parseNumDocs(res interface{}) (int64, error) {
	values, ok := res.([]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected info reply %T", res)
	}
	for i := 0; i+1 < len(values); i += 2 {
		if key, ok := values[i].(string); ok && key == "num_docs" {
			switch v := values[i+1].(type) {
			case int64:
				return v, nil
			case string:
				n, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return 0, fmt.Errorf("parse num_docs %q: %w", v, err)
				}
				return int64(n), nil
			}
		}
	}
	return 0, fmt.Errorf("num_docs missing from index info")
}

func replyString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// #endregion parsing
