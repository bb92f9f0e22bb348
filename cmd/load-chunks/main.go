package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/app"
	"github.com/danielpatrickdp/newsgate/internal/config"
	"github.com/danielpatrickdp/newsgate/internal/ingest"
	"github.com/danielpatrickdp/newsgate/internal/telemetry"
)

// #region main
func main() {
	path := flag.String("chunks", "data/processed/chunks.json", "path to the chunker's combined chunks.json")
	batch := flag.Int("batch", ingest.DefaultConfig().BatchSize, "texts per embedding call")
	threshold := flag.Float64("drift-threshold", ingest.DefaultConfig().DriftThreshold, "centroid cosine distance reported as drift")
	dryRun := flag.Bool("dry-run", false, "validate and embed without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("=== Chunk Loader ===")
	fmt.Printf("  Input: %s | Backend: %s | Embedder: %s (dim %d)\n", *path, cfg.ChunkBackend, cfg.Embedder, cfg.EmbedDim)

	raw, err := ingest.ReadFile(*path)
	if err != nil {
		logger.Fatal("failed to read chunks", zap.Error(err))
	}
	fmt.Printf("  %d chunks read\n", len(raw))

	a, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open chunk store", zap.Error(err))
	}
	defer a.Close()

	loader := ingest.NewLoader(a.Store, a.Embedder, cfg.EmbedDim, ingest.Config{
		BatchSize:      *batch,
		DriftThreshold: *threshold,
		DryRun:         *dryRun,
	}, logger)

	stats, err := loader.Load(ctx, raw)
	if err != nil {
		a.Close()
		logger.Fatal("load failed", zap.Error(err))
	}

	fmt.Printf("\n=== Load Complete ===\n")
	fmt.Printf("  Read:     %d\n", stats.Read)
	fmt.Printf("  Stored:   %d\n", stats.Stored)
	fmt.Printf("  Rejected: %d\n", len(stats.Rejected))
	for _, r := range stats.Rejected {
		fmt.Printf("    %s: %s\n", r.ChunkID, r.Reason)
	}
	fmt.Printf("  Drift:    %s\n", stats.Drift.Message)
	if stats.Drift.Drifted {
		fmt.Println("  Recommendation: review new content; the topic distribution has shifted.")
	}
	fmt.Printf("  Elapsed:  %s\n", stats.Elapsed)
}

// #endregion main
