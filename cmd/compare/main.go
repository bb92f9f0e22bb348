package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/app"
	"github.com/danielpatrickdp/newsgate/internal/compare"
	"github.com/danielpatrickdp/newsgate/internal/config"
	"github.com/danielpatrickdp/newsgate/internal/metrics"
	"github.com/danielpatrickdp/newsgate/internal/telemetry"
)

// #region main

func main() {
	questionsPath := flag.String("questions", "", "path to question set JSON (default: built-in set)")
	fromLog := flag.Int("from-log", 0, "replay the N most recent distinct questions from the metrics log")
	versions := flag.String("versions", "", "comma-separated template versions (overrides the question set)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *questionsPath != "" && *fromLog > 0 {
		fmt.Fprintln(os.Stderr, "usage: compare [--questions path/to/questions.json | --from-log N] [--versions v1,v2] [--json]")
		os.Exit(2)
	}
	os.Exit(run(*questionsPath, *fromLog, *versions, *jsonOut))
}

func run(questionsPath string, fromLog int, versions string, jsonOut bool) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 2
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build pipeline: %v\n", err)
		return 2
	}
	defer a.Close()

	set := compare.DefaultQuestions()
	switch {
	case questionsPath != "":
		qs, err := compare.LoadQuestions(questionsPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load questions: %v\n", err)
			return 2
		}
		set = *qs
	case fromLog > 0:
		qs, err := questionsFromLog(ctx, a.Recorder, fromLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read metrics log: %v\n", err)
			return 2
		}
		set.Questions = qs
	}
	if versions != "" {
		set.Versions = strings.Split(versions, ",")
	}
	if len(set.Questions) == 0 {
		fmt.Fprintln(os.Stderr, "no questions to compare")
		return 2
	}

	logger.Info("comparing templates",
		zap.Strings("versions", set.Versions),
		zap.Int("questions", len(set.Questions)),
	)
	results := compare.Compare(ctx, a.Pipeline, set, logger)
	summary := compare.Summarize(results)

	if jsonOut {
		return printJSON(struct {
			Results []compare.Result `json:"results"`
			Summary compare.Summary  `json:"summary"`
		}{results, summary})
	}
	printResults(results)
	printSummary(summary)
	return 0
}

// #endregion main

// #region log-extract

// questionsFromLog takes the newest distinct questions from the metrics log,
// oldest first.
func questionsFromLog(ctx context.Context, rec *metrics.Recorder, n int) ([]compare.Question, error) {
	recs, err := rec.Query(ctx, metrics.Filter{Limit: n * 4})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var qs []compare.Question
	for _, r := range recs {
		key := strings.ToLower(strings.TrimSpace(r.Query))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		qs = append(qs, compare.Question{ID: shortID(r.QueryID), Text: r.Query})
		if len(qs) == n {
			break
		}
	}
	for i, j := 0, len(qs)-1; i < j; i, j = i+1, j-1 {
		qs[i], qs[j] = qs[j], qs[i]
	}
	return qs, nil
}

// #endregion log-extract

// #region output

func printResults(results []compare.Result) {
	fmt.Printf("%-10s| %-4s| %-8s| %6s| %-7s| %6s| %s\n", "Question", "Tmpl", "Decision", "Faith", "Refusal", "Len", "Text")
	fmt.Printf("%-10s+%-5s+%-9s+%7s+%-8s+%7s+%s\n",
		"----------", "-----", "---------", "-------", "--------", "-------", "------------------------------")

	for _, r := range results {
		faith := "—"
		if r.Score != nil {
			faith = fmt.Sprintf("%.2f", *r.Score)
		}
		text := r.Answer
		if r.Err != "" {
			text = "error: " + r.Err
		}
		fmt.Printf("%-10s| %-4s| %-8s| %6s| %-7v| %6d| %s\n",
			r.QuestionID, r.Version, r.Decision, faith, r.Refusal, r.AnswerLen, truncate(text, 60))
	}
}

func printSummary(s compare.Summary) {
	fmt.Printf("\nSummary:\n")
	for _, v := range s.Versions {
		st := s.ByVersion[v]
		fmt.Printf("  %-4s avg faithfulness %.4f (%d non-refusal, %d refusal, %d failed, %d served, avg len %.0f)\n",
			v, st.MeanFaithfulness, st.NonRefusals, st.Refusals, st.Failures, st.Served, st.MeanAnswerLen)
	}
	if s.Best != "" && len(s.Versions) > 1 {
		fmt.Printf("\n%s is better by %.4f\n", s.Best, s.Margin)
	} else if len(s.Versions) > 1 {
		fmt.Println("\nBoth templates perform equally")
	}
}

func printJSON(v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal json: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
