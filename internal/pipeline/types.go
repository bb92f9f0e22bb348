package pipeline

import (
	"context"
	"time"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/gate"
	"github.com/danielpatrickdp/newsgate/internal/metrics"
	"github.com/danielpatrickdp/newsgate/internal/prompt"
	"github.com/danielpatrickdp/newsgate/internal/retrieval"
	"github.com/danielpatrickdp/newsgate/internal/router"
)

// #region reasons
// Failure reasons recorded with FLAG records that carry no gate verdict.
const (
	ReasonRetrievalUnavailable = "retrieval_unavailable"
	ReasonUnknownTemplate      = "unknown_template"
	ReasonPromptOverflow       = "prompt_overflow"
	ReasonGenerationFailed     = "generation_failed"
	ReasonScoringUnavailable   = gate.ReasonScoringUnavailable
)

// #endregion reasons

// #region query
// Query is one question. Timestamp zero means now; TemplateVersion empty
// means the configured default.
type Query struct {
	Text            string
	Timestamp       time.Time
	TemplateVersion string
}

// Answer is what the caller gets back. A FLAG answer still carries the
// generated text, if any, so it can be shown with a warning.
type Answer struct {
	QueryID         string
	RecordID        int64
	Query           string
	Answer          string
	Decision        gate.Decision
	Reason          string
	Score           *float64
	Refusal         bool
	Provider        string
	Attempts        int
	TemplateVersion string
	Sources         []metrics.Source
	Verdict         gate.Verdict
	Latency         time.Duration
}

// Served reports whether the answer passed the gate.
func (a Answer) Served() bool { return a.Decision == gate.DecisionServe }

// #endregion query

// #region collaborators
// Retriever finds evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) (retrieval.Result, error)
}

// Assembler renders a versioned prompt.
type Assembler interface {
	Assemble(ctx context.Context, query string, evidence []chunk.Chunk, version string) (prompt.Prompt, error)
}

// Generator produces an answer with provider fallback.
type Generator interface {
	Generate(ctx context.Context, p prompt.Prompt) (router.Result, error)
}

// Scorer judges an answer against its evidence.
type Scorer interface {
	Score(ctx context.Context, answer string, evidence []chunk.Chunk) (gate.Verdict, error)
}

// Recorder appends one metrics record per query.
type Recorder interface {
	Record(ctx context.Context, rec metrics.Record) (int64, error)
}

// #endregion collaborators
