// Package pipeline answers a question end to end: retrieve evidence, assemble
// a prompt, generate with fallback, gate on faithfulness, and record the
// outcome.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/gate"
	"github.com/danielpatrickdp/newsgate/internal/metrics"
	"github.com/danielpatrickdp/newsgate/internal/prompt"
	"github.com/danielpatrickdp/newsgate/internal/router"
	"github.com/danielpatrickdp/newsgate/internal/telemetry"
)

// #region config
// Config holds the per-query knobs the pipeline owns.
type Config struct {
	TopK            int
	TemplateVersion string
}

// DefaultConfig retrieves 5 chunks and renders with v1.
func DefaultConfig() Config {
	return Config{TopK: 5, TemplateVersion: "v1"}
}

// #endregion config

// #region pipeline
// Pipeline runs queries through every stage. It holds no per-query state and
// is safe for concurrent use when its collaborators are.
type Pipeline struct {
	retriever Retriever
	assembler Assembler
	generator Generator
	scorer    Scorer
	recorder  Recorder
	metrics   *telemetry.Metrics
	config    Config
	log       *zap.Logger
	now       func() time.Time
}

// Deps groups the collaborators. Metrics and Log may be nil.
type Deps struct {
	Retriever Retriever
	Assembler Assembler
	Generator Generator
	Scorer    Scorer
	Recorder  Recorder
	Metrics   *telemetry.Metrics
	Log       *zap.Logger
}

// New creates a Pipeline.
func New(deps Deps, config Config) *Pipeline {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if config.TemplateVersion == "" {
		config.TemplateVersion = DefaultConfig().TemplateVersion
	}
	return &Pipeline{
		retriever: deps.Retriever,
		assembler: deps.Assembler,
		generator: deps.Generator,
		scorer:    deps.Scorer,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		config:    config,
		log:       log.Named("pipeline"),
		now:       time.Now,
	}
}

// #endregion pipeline

// #region answer
// AnswerQuery runs text with the default template version.
func (p *Pipeline) AnswerQuery(ctx context.Context, text string) (Answer, error) {
	return p.Run(ctx, Query{Text: text})
}

// Run answers one query. Exactly one metrics record is appended whether the
// query is served, flagged or fails. On failure the returned error wraps the
// stage's sentinel (retrieval.ErrRetrievalUnavailable,
// prompt.ErrUnknownTemplateVersion, prompt.ErrPromptOverflow,
// router.ErrGenerationExhausted or gate.ErrScoringUnavailable) and the
// Answer still describes what was recorded.
func (p *Pipeline) Run(ctx context.Context, q Query) (Answer, error) {
	start := p.now()
	if q.Timestamp.IsZero() {
		q.Timestamp = start
	}
	version := q.TemplateVersion
	if version == "" {
		version = p.config.TemplateVersion
	}

	ans := Answer{
		QueryID:         uuid.NewString(),
		Query:           q.Text,
		Decision:        gate.DecisionFlag,
		TemplateVersion: version,
	}
	rec := metrics.Record{
		QueryID:         ans.QueryID,
		CreatedAt:       q.Timestamp.UTC(),
		Query:           q.Text,
		TemplateVersion: version,
		Decision:        string(gate.DecisionFlag),
	}
	log := p.log.With(zap.String("query_id", ans.QueryID), zap.String("template", version))

	// Stage 1: retrieval
	retrieved, err := p.retriever.Retrieve(ctx, q.Text, p.config.TopK)
	if err != nil {
		log.Warn("retrieval failed", zap.Error(err))
		return p.fail(ctx, ans, rec, ReasonRetrievalUnavailable, err, start)
	}
	if best, ok := retrieved.BestScore(); ok {
		rec.BestSimilarity = &best
	}

	// Stage 2: prompt assembly
	pr, err := p.assembler.Assemble(ctx, q.Text, retrieved.Chunks(), version)
	if err != nil {
		reason := ReasonPromptOverflow
		if errors.Is(err, prompt.ErrUnknownTemplateVersion) {
			reason = ReasonUnknownTemplate
		}
		log.Error("prompt assembly failed", zap.Error(err))
		return p.fail(ctx, ans, rec, reason, err, start)
	}
	ans.Sources = sources(pr.Evidence)
	rec.ChunkIDs = chunkIDs(pr.Evidence)
	rec.Sources = ans.Sources

	// Stage 3: generation
	gen, err := p.generator.Generate(ctx, pr)
	trail := gen.Trail
	var ex *router.ExhaustedError
	if errors.As(err, &ex) {
		trail = ex.Trail
	}
	p.observeTrail(trail)
	ans.Attempts, rec.Attempts = len(trail), len(trail)
	if err != nil {
		log.Error("generation exhausted", zap.Int("attempts", len(trail)), zap.Error(err))
		return p.fail(ctx, ans, rec, ReasonGenerationFailed, err, start)
	}
	ans.Answer, rec.Answer = gen.Answer, gen.Answer
	ans.Provider, rec.Provider = gen.Provider, gen.Provider

	// Stage 4: faithfulness gate, against the evidence actually in the prompt
	verdict, err := p.scorer.Score(ctx, gen.Answer, pr.Evidence)
	ans.Verdict = verdict
	ans.Refusal, rec.Refusal = verdict.Refusal, verdict.Refusal
	rec.NumSentences, rec.NumFlagged = len(verdict.Sentences), verdict.Flagged
	if verdict.Scored {
		score := verdict.Score
		ans.Score, rec.Score = &score, &score
	}
	if err != nil {
		log.Warn("scoring unavailable", zap.Error(err))
		return p.fail(ctx, ans, rec, ReasonScoringUnavailable, err, start)
	}

	ans.Decision = verdict.Decision
	ans.Reason = verdict.Reason
	rec.Decision = string(verdict.Decision)
	rec.Reason = ans.Reason
	if err := p.record(ctx, &ans, rec, start); err != nil {
		return ans, err
	}

	log.Info("query answered",
		zap.String("decision", string(ans.Decision)),
		zap.String("reason", ans.Reason),
		zap.Float64p("score", ans.Score),
		zap.String("provider", ans.Provider),
		zap.Int("attempts", ans.Attempts),
		zap.Duration("latency", ans.Latency),
	)
	return ans, nil
}

// #endregion answer

// #region record
// fail records a FLAG for a query that stopped at some stage and returns the
// stage error. A SERVE is never recorded from here.
func (p *Pipeline) fail(ctx context.Context, ans Answer, rec metrics.Record, reason string, cause error, start time.Time) (Answer, error) {
	ans.Decision = gate.DecisionFlag
	ans.Reason = reason
	rec.Decision = string(gate.DecisionFlag)
	rec.Reason = reason
	rec.Error = cause.Error()
	if err := p.record(ctx, &ans, rec, start); err != nil {
		return ans, errors.Join(cause, err)
	}
	return ans, cause
}

func (p *Pipeline) record(ctx context.Context, ans *Answer, rec metrics.Record, start time.Time) error {
	ans.Latency = p.now().Sub(start)
	rec.Latency = ans.Latency
	p.metrics.ObserveQuery(rec.Decision, rec.Reason, rec.Score, rec.Latency)

	// Cancelled queries are recorded too.
	id, err := p.recorder.Record(context.WithoutCancel(ctx), rec)
	if err != nil {
		p.log.Error("metrics record failed", zap.String("query_id", rec.QueryID), zap.Error(err))
		return err
	}
	ans.RecordID = id
	return nil
}

func (p *Pipeline) observeTrail(trail []router.Attempt) {
	for _, a := range trail {
		outcome := "ok"
		if !a.OK() {
			outcome = string(a.Kind)
		}
		p.metrics.ObserveAttempt(a.Provider, outcome)
	}
}

// #endregion record

// #region helpers
func sources(chunks []chunk.Chunk) []metrics.Source {
	out := make([]metrics.Source, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, metrics.Source{Source: c.Source, Title: c.Title, URL: c.URL})
	}
	return out
}

func chunkIDs(chunks []chunk.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

// #endregion helpers
