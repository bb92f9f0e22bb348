package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/danielpatrickdp/newsgate/internal/metrics"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to metrics.db")
	last := flag.Int("last", 20, "show N most recent records")
	queryID := flag.String("query", "", "show single record detail")
	provider := flag.String("provider", "", "filter by provider")
	template := flag.String("template", "", "filter by template version")
	decision := flag.String("decision", "", "filter by decision (SERVE or FLAG)")
	since := flag.Duration("since", 0, "only records newer than this (e.g. 24h)")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/metrics.db [--last N] [--query id] [--provider name] [--template v1] [--decision SERVE|FLAG] [--since 24h] [--json]")
		os.Exit(2)
	}

	rec, err := metrics.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer rec.Close()

	ctx := context.Background()
	if *queryID != "" {
		err = runDetailMode(ctx, rec, *queryID, *jsonOut)
	} else {
		f := metrics.Filter{
			Provider:        *provider,
			TemplateVersion: *template,
			Decision:        strings.ToUpper(*decision),
		}
		if *since > 0 {
			f.Since = time.Now().Add(-*since)
		}
		err = runListMode(ctx, rec, f, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	QueryID   string   `json:"query_id"`
	CreatedAt string   `json:"created_at"`
	Decision  string   `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
	Score     *float64 `json:"score"`
	Provider  string   `json:"provider,omitempty"`
	Template  string   `json:"template_version"`
	Attempts  int      `json:"attempts"`
	LatencyMs int64    `json:"latency_ms"`
	Query     string   `json:"query"`
}

type listOutput struct {
	Summary summaryOut `json:"summary"`
	Records []listRow  `json:"records"`
}

type summaryOut struct {
	Count        int                           `json:"count"`
	Scored       int                           `json:"scored"`
	Served       int                           `json:"served"`
	Flagged      int                           `json:"flagged"`
	Refusals     int                           `json:"refusals"`
	Failures     int                           `json:"failures"`
	ServeRate    float64                       `json:"serve_rate"`
	MeanScore    float64                       `json:"mean_score"`
	MeanLatency  int64                         `json:"mean_latency_ms"`
	Distribution [10]int                       `json:"distribution"`
	ByProvider   map[string]metrics.GroupStats `json:"by_provider"`
	ByTemplate   map[string]metrics.GroupStats `json:"by_template"`
}

func runListMode(ctx context.Context, rec *metrics.Recorder, f metrics.Filter, last int, jsonOut bool) error {
	sum, err := rec.Summary(ctx, f)
	if err != nil {
		return err
	}
	f.Limit = last
	recs, err := rec.Query(ctx, f)
	if err != nil {
		return err
	}

	// Recorder returns newest first, reverse for chronological
	rows := make([]listRow, len(recs))
	for i, r := range recs {
		rows[len(recs)-1-i] = listRow{
			QueryID:   r.QueryID,
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
			Decision:  r.Decision,
			Reason:    r.Reason,
			Score:     r.Score,
			Provider:  r.Provider,
			Template:  r.TemplateVersion,
			Attempts:  r.Attempts,
			LatencyMs: r.Latency.Milliseconds(),
			Query:     r.Query,
		}
	}

	if jsonOut {
		return printJSON(listOutput{Summary: toSummaryOut(sum), Records: rows})
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no records found")
		return nil
	}
	printListTable(rows)
	printSummary(sum)
	return nil
}

func printListTable(rows []listRow) {
	fmt.Printf("%-10s  %-8s  %-22s  %6s  %-8s  %-4s  %8s  %s\n",
		"Query", "Decision", "Reason", "Score", "Provider", "Tmpl", "Latency", "Time")
	fmt.Printf("%-10s+-%-8s+-%-22s+-%6s+-%-8s+-%-4s+-%8s+-%s\n",
		"----------", "--------", "----------------------", "------", "--------", "----", "--------", "--------------------")

	for _, r := range rows {
		score := "—"
		if r.Score != nil {
			score = fmt.Sprintf("%.2f", *r.Score)
		}
		fmt.Printf("%-10s  %s  %-22s  %6s  %-8s  %-4s  %7dms  %s\n",
			shortID(r.QueryID), decisionCell(r.Decision), r.Reason, score, orDash(r.Provider), r.Template, r.LatencyMs, r.CreatedAt)
	}
}

func printSummary(s metrics.Summary) {
	fmt.Printf("\nSummary (%d queries):\n", s.Count)
	fmt.Printf("  Served:       %d (%.0f%%)\n", s.Served, 100*s.ServeRate())
	fmt.Printf("  Flagged:      %d\n", s.Flagged)
	fmt.Printf("  Refusals:     %d\n", s.Refusals)
	fmt.Printf("  Failures:     %d\n", s.Failures)
	fmt.Printf("  Mean score:   %.4f (%d scored)\n", s.MeanScore, s.Scored)
	fmt.Printf("  Mean latency: %s\n", s.MeanLatency.Round(time.Millisecond))

	fmt.Printf("\nScore distribution:\n")
	for i, n := range s.Distribution {
		fmt.Printf("  %.1f-%.1f  %4d  %s\n", float64(i)/10, float64(i+1)/10, n, strings.Repeat("#", n))
	}

	printGroups("By provider", s.ByProvider)
	printGroups("By template", s.ByTemplate)
}

func printGroups(title string, groups map[string]metrics.GroupStats) {
	if len(groups) == 0 {
		return
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\n%s:\n", title)
	for _, name := range names {
		g := groups[name]
		fmt.Printf("  %-10s count=%-4d served=%-4d flagged=%-4d mean=%.4f\n", name, g.Count, g.Served, g.Flagged, g.MeanScore)
	}
}

func toSummaryOut(s metrics.Summary) summaryOut {
	return summaryOut{
		Count:        s.Count,
		Scored:       s.Scored,
		Served:       s.Served,
		Flagged:      s.Flagged,
		Refusals:     s.Refusals,
		Failures:     s.Failures,
		ServeRate:    s.ServeRate(),
		MeanScore:    s.MeanScore,
		MeanLatency:  s.MeanLatency.Milliseconds(),
		Distribution: s.Distribution,
		ByProvider:   s.ByProvider,
		ByTemplate:   s.ByTemplate,
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	ID             int64            `json:"id"`
	QueryID        string           `json:"query_id"`
	CreatedAt      string           `json:"created_at"`
	Query          string           `json:"query"`
	Answer         string           `json:"answer"`
	Decision       string           `json:"decision"`
	Reason         string           `json:"reason"`
	Score          *float64         `json:"score"`
	Refusal        bool             `json:"refusal"`
	Provider       string           `json:"provider"`
	Template       string           `json:"template_version"`
	Attempts       int              `json:"attempts"`
	LatencyMs      int64            `json:"latency_ms"`
	BestSimilarity *float64         `json:"best_similarity"`
	Sentences      int              `json:"sentences"`
	FlaggedCount   int              `json:"flagged_sentences"`
	ChunkIDs       []string         `json:"chunk_ids"`
	Sources        []metrics.Source `json:"sources"`
	Error          string           `json:"error,omitempty"`
}

func runDetailMode(ctx context.Context, rec *metrics.Recorder, queryID string, jsonOut bool) error {
	r, err := rec.Get(ctx, queryID)
	if err != nil {
		return err
	}
	out := detailOutput{
		ID:             r.ID,
		QueryID:        r.QueryID,
		CreatedAt:      r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Query:          r.Query,
		Answer:         r.Answer,
		Decision:       r.Decision,
		Reason:         r.Reason,
		Score:          r.Score,
		Refusal:        r.Refusal,
		Provider:       r.Provider,
		Template:       r.TemplateVersion,
		Attempts:       r.Attempts,
		LatencyMs:      r.Latency.Milliseconds(),
		BestSimilarity: r.BestSimilarity,
		Sentences:      r.NumSentences,
		FlaggedCount:   r.NumFlagged,
		ChunkIDs:       r.ChunkIDs,
		Sources:        r.Sources,
		Error:          r.Error,
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Query ID:   %s (#%d)\n", out.QueryID, out.ID)
	fmt.Printf("Created:    %s\n", out.CreatedAt)
	fmt.Printf("Query:      %s\n", out.Query)
	fmt.Printf("Decision:   %s\n", decisionCell(out.Decision))
	fmt.Printf("Reason:     %s\n", out.Reason)
	fmt.Printf("Score:      %s\n", formatScore(out.Score))
	fmt.Printf("Refusal:    %v\n", out.Refusal)
	fmt.Printf("Provider:   %s (%d attempts)\n", orDash(out.Provider), out.Attempts)
	fmt.Printf("Template:   %s\n", out.Template)
	fmt.Printf("Latency:    %dms\n", out.LatencyMs)
	fmt.Printf("Similarity: %s\n", formatScore(out.BestSimilarity))
	fmt.Printf("Sentences:  %d (%d below threshold)\n", out.Sentences, out.FlaggedCount)
	if out.Error != "" {
		fmt.Printf("Error:      %s\n", out.Error)
	}

	if out.Answer != "" {
		fmt.Printf("\nAnswer:\n%s\n", out.Answer)
	}
	if len(out.Sources) > 0 {
		fmt.Printf("\nSources:\n")
		for i, s := range out.Sources {
			fmt.Printf("  [%d] %s: %s\n      %s\n", i+1, s.Source, s.Title, s.URL)
		}
	}
	return nil
}

// #endregion detail-mode

// #region output

var (
	serveColor = color.New(color.FgGreen, color.Bold).SprintFunc()
	flagColor  = color.New(color.FgYellow, color.Bold).SprintFunc()
)

// decisionCell pads before colouring so escape codes do not break alignment.
func decisionCell(decision string) string {
	cell := fmt.Sprintf("%-8s", decision)
	if decision == "SERVE" {
		return serveColor(cell)
	}
	return flagColor(cell)
}

func formatScore(v *float64) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprintf("%.4f", *v)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
