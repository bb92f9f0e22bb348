package gate

import (
	"context"
	"errors"
)

// ErrScoringUnavailable is returned when a verdict could not be computed.
// The accompanying Verdict is always FLAG.
var ErrScoringUnavailable = errors.New("faithfulness scoring unavailable")

// #region decision
// Decision is the serve/flag outcome for one answer.
type Decision string

const (
	DecisionServe Decision = "SERVE"
	DecisionFlag  Decision = "FLAG"
)

// Reason explains a decision in the metrics log.
const (
	ReasonFaithful           = "faithful"
	ReasonLowFaithfulness    = "low_faithfulness"
	ReasonRefusal            = "refusal"
	ReasonNoEvidence         = "no_evidence"
	ReasonNoClaims           = "no_claims"
	ReasonScoringUnavailable = "scoring_unavailable"
)

// #endregion decision

// #region aggregation
// Aggregation folds per-sentence scores into one answer score.
type Aggregation string

const (
	AggregateMin  Aggregation = "min"  // weakest sentence decides
	AggregateMean Aggregation = "mean" // average support
)

// #endregion aggregation

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	Threshold      float64     // score >= Threshold serves
	Aggregation    Aggregation // how sentence scores combine
	MinSentenceLen int         // shorter fragments (runes) are not scored as claims
	RefusalPhrases []string    // lowercase substrings that mark a refusal
}

// DefaultGateConfig returns the production defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Threshold:      0.5,
		Aggregation:    AggregateMin,
		MinSentenceLen: 11,
		RefusalPhrases: refusalPatterns,
	}
}

// #endregion gate-config

// #region verdict
// SentenceScore is the best support found for one answer sentence.
type SentenceScore struct {
	Sentence    string
	Score       float64
	BestChunkID string
}

// Verdict is the gate's decision for one answer. Score is only meaningful
// when Scored is true.
type Verdict struct {
	Score       float64
	Scored      bool
	Decision    Decision
	Reason      string
	Refusal     bool
	Sentences   []SentenceScore
	Flagged     int // sentences below threshold
	Aggregation Aggregation
}

// Served reports whether the answer may be shown without a warning.
func (v Verdict) Served() bool { return v.Decision == DecisionServe }

// #endregion verdict

// #region entailment
// EntailmentModel returns P(entailment) in [0, 1] for a premise/hypothesis pair.
type EntailmentModel interface {
	EntailmentProbability(ctx context.Context, premise, hypothesis string) (float64, error)
}

// batchEntailer is implemented by models that can score one hypothesis
// against many premises in a single call.
type batchEntailer interface {
	EntailAll(ctx context.Context, premises []string, hypothesis string) ([]float64, error)
}

// #endregion entailment
