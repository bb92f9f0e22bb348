// Package app builds a pipeline and its collaborators from configuration.
// The cmd binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/codec"
	"github.com/danielpatrickdp/newsgate/internal/config"
	"github.com/danielpatrickdp/newsgate/internal/embed"
	"github.com/danielpatrickdp/newsgate/internal/gate"
	"github.com/danielpatrickdp/newsgate/internal/metrics"
	"github.com/danielpatrickdp/newsgate/internal/pipeline"
	"github.com/danielpatrickdp/newsgate/internal/prompt"
	"github.com/danielpatrickdp/newsgate/internal/providers"
	"github.com/danielpatrickdp/newsgate/internal/retrieval"
	"github.com/danielpatrickdp/newsgate/internal/router"
	"github.com/danielpatrickdp/newsgate/internal/telemetry"
)

// #region app
// App owns every long-lived resource a binary opens.
type App struct {
	Config    config.Config
	Log       *zap.Logger
	Store     chunk.Writer
	Embedder  embed.Embedder
	Recorder  *metrics.Recorder
	Metrics   *telemetry.Metrics
	Pipeline  *pipeline.Pipeline
	Assembler *prompt.Assembler
	Router    *router.Router

	sidecar *codec.CodecClient
	closers []func() error
}

// Close releases resources in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// #endregion app

// #region open
// OpenStore opens the chunk store, the embedder and (when needed) the sidecar
// connection. It is enough for the chunk loader.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	store, err := openChunkStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if cfg.Embedder == "sidecar" || cfg.Entailment == "sidecar" {
		client, err := codec.NewCodecClient(cfg.SidecarAddr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect inference sidecar at %s: %w", cfg.SidecarAddr, err)
		}
		a.sidecar = client
		a.closers = append(a.closers, client.Close)
	}

	switch cfg.Embedder {
	case "openai":
		svc, err := embed.NewOpenAI(ctx, embed.OpenAIConfig{
			APIKey:  cfg.EmbedAPIKey,
			BaseURL: cfg.EmbedBaseURL,
			Model:   cfg.EmbedModel,
			Dim:     cfg.EmbedDim,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Embedder = svc
	default:
		a.Embedder = embed.NewSidecar(a.sidecar, cfg.EmbedDim)
	}

	log.Info("chunk store ready",
		zap.String("backend", cfg.ChunkBackend),
		zap.String("embedder", cfg.Embedder),
		zap.Int("dim", cfg.EmbedDim),
	)
	return a, nil
}

// Open builds the full query pipeline. reg may be nil to skip metric
// registration.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	a, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := a.buildPipeline(ctx, reg, providers.NewRegistry()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildPipeline(ctx context.Context, reg prometheus.Registerer, registry *providers.Registry) error {
	cfg := a.Config

	lib, err := prompt.LoadLibrary(os.DirFS(cfg.TemplateDir))
	if err != nil {
		return fmt.Errorf("load templates from %s: %w", cfg.TemplateDir, err)
	}
	a.Assembler = prompt.NewAssembler(lib, cfg.Prompt)

	primary, err := registry.Build(ctx, cfg.Primary)
	if err != nil {
		return err
	}
	var secondary providers.Provider
	if cfg.Secondary.APIKey != "" {
		if secondary, err = registry.Build(ctx, cfg.Secondary); err != nil {
			return err
		}
	} else {
		a.Log.Warn("no secondary provider configured; fallback disabled", zap.String("provider", cfg.Secondary.Name))
	}
	a.Router = router.New(primary, secondary, cfg.Router, a.Log)

	var model gate.EntailmentModel = gate.LexicalEntailment{}
	if cfg.Entailment == "sidecar" {
		model = gate.NewNLI(a.sidecar)
	}

	rec, err := metrics.Open(cfg.MetricsDB, a.Log)
	if err != nil {
		return err
	}
	a.Recorder = rec
	a.closers = append(a.closers, rec.Close)
	a.Metrics = telemetry.NewMetrics(reg)

	a.Pipeline = pipeline.New(pipeline.Deps{
		Retriever: retrieval.NewRetriever(a.Store, a.Embedder, cfg.Retrieval, a.Log),
		Assembler: a.Assembler,
		Generator: a.Router,
		Scorer:    gate.NewGate(cfg.Gate, model, a.Log),
		Recorder:  rec,
		Metrics:   a.Metrics,
		Log:       a.Log,
	}, pipeline.Config{TopK: cfg.Retrieval.TopK, TemplateVersion: cfg.Prompt.DefaultVersion})

	a.Log.Info("pipeline ready",
		zap.Strings("providers", a.Router.Providers()),
		zap.Strings("templates", a.Assembler.Versions()),
		zap.String("entailment", cfg.Entailment),
		zap.Float64("threshold", cfg.Gate.Threshold),
		zap.String("aggregation", string(cfg.Gate.Aggregation)),
	)
	return nil
}

// #endregion open

// #region helpers
func openChunkStore(ctx context.Context, cfg config.Config) (chunk.Writer, error) {
	switch cfg.ChunkBackend {
	case "redis":
		rc := cfg.Redis
		rc.Dim = cfg.EmbedDim
		return chunk.NewRedisStore(ctx, rc)
	case "sqlite", "":
		return chunk.NewSQLiteStore(cfg.ChunkDB, cfg.EmbedDim)
	default:
		return nil, fmt.Errorf("unknown chunk backend %q", cfg.ChunkBackend)
	}
}

// #endregion helpers
