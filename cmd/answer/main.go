package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/app"
	"github.com/danielpatrickdp/newsgate/internal/config"
	"github.com/danielpatrickdp/newsgate/internal/pipeline"
	"github.com/danielpatrickdp/newsgate/internal/retrieval"
	"github.com/danielpatrickdp/newsgate/internal/telemetry"
)

var (
	question    = flag.String("q", "", "answer one question and exit")
	template    = flag.String("template", "", "prompt template version (default from config)")
	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	showScores  = flag.Bool("scores", false, "print per-sentence faithfulness scores")
)

var (
	boldGreen  = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldYellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	boldCyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	faint      = color.New(color.Faint).SprintFunc()
)

// #region main
func main() {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Open(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	defer a.Close()

	if *metricsAddr != "" {
		srv := serveMetrics(*metricsAddr, reg, logger)
		defer srv.Shutdown(context.Background())
	}

	if *question != "" {
		if err := answer(ctx, a.Pipeline, *question); err != nil {
			a.Close()
			os.Exit(1)
		}
		return
	}

	fmt.Println(boldGreen("newsgate ready."))
	fmt.Printf("  Chunks: %s (%s) | Metrics: %s\n", storeLabel(cfg), cfg.Embedder, cfg.MetricsDB)
	fmt.Printf("  Providers: %s | Templates: %s | Threshold: %.2f (%s)\n",
		strings.Join(a.Router.Providers(), " -> "), strings.Join(a.Assembler.Versions(), ", "),
		cfg.Gate.Threshold, cfg.Gate.Aggregation)
	fmt.Println("Ask a question (or 'quit' to exit):")

	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil {
		fmt.Print(boldCyan("> "))
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}
		answer(ctx, a.Pipeline, text)
	}
}

// #endregion main

// #region answer
func answer(ctx context.Context, p *pipeline.Pipeline, text string) error {
	ans, err := p.Run(ctx, pipeline.Query{Text: text, TemplateVersion: *template})
	if err != nil {
		if errors.Is(err, retrieval.ErrRetrievalUnavailable) {
			fmt.Printf("\n%s no evidence found for this question.\n\n", boldYellow("FLAG"))
		} else {
			fmt.Printf("\n%s %s: %v\n\n", boldYellow("FLAG"), ans.Reason, err)
		}
		return err
	}

	fmt.Printf("\n%s\n\n", ans.Answer)
	if ans.Served() {
		fmt.Printf("%s score=%s", boldGreen("SERVE"), formatScore(ans.Score))
	} else {
		fmt.Printf("%s %s score=%s  (this answer may not be supported by its sources)",
			boldYellow("FLAG"), ans.Reason, formatScore(ans.Score))
	}
	fmt.Printf("  %s\n", faint(fmt.Sprintf("via %s/%s in %d attempt(s), %s",
		ans.Provider, ans.TemplateVersion, ans.Attempts, ans.Latency.Round(time.Millisecond))))

	if *showScores {
		for _, s := range ans.Verdict.Sentences {
			fmt.Printf("  %.2f  %s %s\n", s.Score, s.Sentence, faint("["+s.BestChunkID+"]"))
		}
	}
	if len(ans.Sources) > 0 {
		fmt.Println("\nSources:")
		for i, s := range ans.Sources {
			fmt.Printf("  [%d] %s: %s\n      %s\n", i+1, s.Source, s.Title, faint(s.URL))
		}
	}
	fmt.Printf("%s\n\n", faint("query "+ans.QueryID))
	return nil
}

// #endregion answer

// #region helpers
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func storeLabel(cfg config.Config) string {
	if cfg.ChunkBackend == "redis" {
		return "redis " + cfg.Redis.Addr
	}
	return cfg.ChunkDB
}

func formatScore(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

// #endregion helpers
