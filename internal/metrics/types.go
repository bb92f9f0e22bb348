package metrics

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an unknown query id.
var ErrNotFound = errors.New("record not found")

// #region record
// Source is the attribution for one evidence chunk shown with an answer.
type Source struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// Record is a single row in the query_log table. Score is nil when no
// faithfulness score was computed; such rows are always FLAG.
type Record struct {
	ID              int64
	QueryID         string
	CreatedAt       time.Time
	Query           string
	Answer          string
	Provider        string
	TemplateVersion string
	ChunkIDs        []string
	Sources         []Source
	BestSimilarity  *float64
	Score           *float64
	Decision        string // "SERVE" | "FLAG"
	Reason          string
	Refusal         bool
	NumSentences    int
	NumFlagged      int
	Attempts        int
	Latency         time.Duration
	Error           string
}

// #endregion record

// #region filter
// Filter narrows reads. Zero values match everything; Limit 0 means no limit.
type Filter struct {
	Provider        string
	TemplateVersion string
	Decision        string
	Since           time.Time
	Limit           int
}

// #endregion filter

// #region summary
// GroupStats aggregates one provider or template version.
type GroupStats struct {
	Count     int
	Scored    int
	Served    int
	Flagged   int
	MeanScore float64
}

// Summary aggregates records for the dashboard and the inspect tool.
type Summary struct {
	Count        int
	Scored       int
	Served       int
	Flagged      int
	Refusals     int
	Failures     int // rows carrying an error
	MeanScore    float64
	MeanLatency  time.Duration
	Distribution [10]int // scored rows bucketed by score in tenths
	ByProvider   map[string]GroupStats
	ByTemplate   map[string]GroupStats
}

// ServeRate is served / count, or 0 for an empty summary.
func (s Summary) ServeRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Served) / float64(s.Count)
}

// #endregion summary
