// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/gate"
	"github.com/danielpatrickdp/newsgate/internal/prompt"
	"github.com/danielpatrickdp/newsgate/internal/providers"
	"github.com/danielpatrickdp/newsgate/internal/retrieval"
	"github.com/danielpatrickdp/newsgate/internal/router"
)

// #region config
// Config is everything a newsgate binary needs to build a pipeline.
type Config struct {
	LogLevel string

	// Storage
	ChunkBackend string // "sqlite" or "redis"
	ChunkDB      string
	Redis        chunk.RedisConfig
	MetricsDB    string

	// Inference
	Embedder     string // "sidecar" or "openai"
	SidecarAddr  string
	EmbedAPIKey  string
	EmbedBaseURL string
	EmbedModel   string
	EmbedDim     int
	Entailment   string // "sidecar" or "lexical"

	// Components
	Retrieval   retrieval.RetrievalConfig
	Prompt      prompt.Config
	TemplateDir string
	Primary     providers.Spec
	Secondary   providers.Spec
	Router      router.Policy
	Gate        gate.GateConfig
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		LogLevel:     "info",
		ChunkBackend: "sqlite",
		ChunkDB:      "chunks.db",
		Redis:        chunk.DefaultRedisConfig(),
		MetricsDB:    "metrics.db",
		Embedder:     "sidecar",
		SidecarAddr:  "localhost:50051",
		EmbedDim:     chunk.DefaultDim,
		Entailment:   "sidecar",
		Retrieval:    retrieval.DefaultConfig(),
		Prompt:       prompt.DefaultConfig(),
		TemplateDir:  "prompts",
		Primary:      providers.GeminiSpec(""),
		Secondary:    providers.GroqSpec(""),
		Router:       router.DefaultPolicy(),
		Gate:         gate.DefaultGateConfig(),
	}
}

// #endregion config

// #region load
// Load reads .env (if present) and then the environment. Variables already
// set in the environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	c := Default()
	var errs []error
	e := &envReader{errs: &errs}

	c.LogLevel = envOr("NEWSGATE_LOG_LEVEL", c.LogLevel)

	c.ChunkBackend = envOr("NEWSGATE_CHUNK_BACKEND", c.ChunkBackend)
	c.ChunkDB = envOr("NEWSGATE_CHUNK_DB", c.ChunkDB)
	c.MetricsDB = envOr("NEWSGATE_METRICS_DB", c.MetricsDB)
	c.Redis.Addr = envOr("NEWSGATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("NEWSGATE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.IndexName = envOr("NEWSGATE_REDIS_INDEX", c.Redis.IndexName)

	c.Embedder = envOr("NEWSGATE_EMBEDDER", c.Embedder)
	c.SidecarAddr = envOr("NEWSGATE_SIDECAR_ADDR", c.SidecarAddr)
	c.EmbedAPIKey = envOr("NEWSGATE_EMBED_API_KEY", os.Getenv("OPENAI_API_KEY"))
	c.EmbedBaseURL = envOr("NEWSGATE_EMBED_BASE_URL", c.EmbedBaseURL)
	c.EmbedModel = envOr("NEWSGATE_EMBED_MODEL", c.EmbedModel)
	c.EmbedDim = e.int("NEWSGATE_EMBED_DIM", c.EmbedDim)
	c.Redis.Dim = c.EmbedDim
	c.Entailment = envOr("NEWSGATE_ENTAILMENT", c.Entailment)

	c.Retrieval.TopK = e.int("NEWSGATE_TOP_K", c.Retrieval.TopK)
	c.Prompt.MaxChars = e.int("NEWSGATE_PROMPT_MAX_CHARS", c.Prompt.MaxChars)
	c.Prompt.DefaultVersion = envOr("NEWSGATE_TEMPLATE_VERSION", c.Prompt.DefaultVersion)
	c.TemplateDir = envOr("NEWSGATE_TEMPLATE_DIR", c.TemplateDir)

	c.Primary.APIKey = os.Getenv("GEMINI_API_KEY")
	c.Primary.Model = envOr("NEWSGATE_PRIMARY_MODEL", c.Primary.Model)
	c.Secondary.APIKey = os.Getenv("GROQ_API_KEY")
	c.Secondary.Model = envOr("NEWSGATE_SECONDARY_MODEL", c.Secondary.Model)

	c.Router.MaxRetries = e.int("NEWSGATE_MAX_RETRIES", c.Router.MaxRetries)
	c.Router.Backoff = e.duration("NEWSGATE_BACKOFF", c.Router.Backoff)
	c.Router.AttemptTimeout = e.duration("NEWSGATE_ATTEMPT_TIMEOUT", c.Router.AttemptTimeout)
	c.Primary.Timeout = c.Router.AttemptTimeout
	c.Secondary.Timeout = c.Router.AttemptTimeout

	c.Gate.Threshold = e.float("NEWSGATE_THRESHOLD", c.Gate.Threshold)
	c.Gate.Aggregation = gate.Aggregation(envOr("NEWSGATE_AGGREGATION", string(c.Gate.Aggregation)))

	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// #endregion load

// #region validate
// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.ChunkBackend != "sqlite" && c.ChunkBackend != "redis" {
		errs = append(errs, fmt.Errorf("chunk backend %q: want sqlite or redis", c.ChunkBackend))
	}
	if c.Embedder != "sidecar" && c.Embedder != "openai" {
		errs = append(errs, fmt.Errorf("embedder %q: want sidecar or openai", c.Embedder))
	}
	if c.Entailment != "sidecar" && c.Entailment != "lexical" {
		errs = append(errs, fmt.Errorf("entailment %q: want sidecar or lexical", c.Entailment))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dim must be positive, got %d", c.EmbedDim))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top-k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Prompt.MaxChars <= 0 {
		errs = append(errs, fmt.Errorf("prompt max chars must be positive, got %d", c.Prompt.MaxChars))
	}
	if c.Router.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.Router.MaxRetries))
	}
	if math.IsNaN(c.Gate.Threshold) || c.Gate.Threshold < 0 || c.Gate.Threshold > 1 {
		errs = append(errs, fmt.Errorf("threshold %v outside [0, 1]", c.Gate.Threshold))
	}
	if c.Gate.Aggregation != gate.AggregateMin && c.Gate.Aggregation != gate.AggregateMean {
		errs = append(errs, fmt.Errorf("aggregation %q: want min or mean", c.Gate.Aggregation))
	}
	return errors.Join(errs...)
}

// #endregion validate

// #region helpers
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envReader parses typed variables and collects every parse failure.
type envReader struct {
	errs *[]error
}

func (e *envReader) int(key string, fallback int) int {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e *envReader) float(key string, fallback float64) float64 {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

// #endregion helpers
