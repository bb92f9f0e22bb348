package gate

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

// #region gate
// Gate decides whether an answer is faithful enough to its evidence to serve.
type Gate struct {
	config GateConfig
	model  EntailmentModel
	log    *zap.Logger
}

// NewGate creates a gate with the given configuration and entailment model.
func NewGate(config GateConfig, model EntailmentModel, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	if config.Aggregation == "" {
		config.Aggregation = AggregateMin
	}
	if config.RefusalPhrases == nil {
		config.RefusalPhrases = refusalPatterns
	}
	return &Gate{config: config, model: model, log: log.Named("gate")}
}

// Config returns the gate's configuration.
func (g *Gate) Config() GateConfig { return g.config }

// #endregion gate

// #region score
// Score checks refusals first, then scores every claim sentence against each
// evidence chunk and keeps the best support per sentence. An answer without
// evidence is never served. Only an answer made entirely of refusal sentences
// counts as a refusal; refusal clauses inside a longer answer are skipped and
// the remaining claims are scored as usual.
func (g *Gate) Score(ctx context.Context, answer string, evidence []chunk.Chunk) (Verdict, error) {
	v := Verdict{Decision: DecisionFlag, Aggregation: g.config.Aggregation}
	cleaned := CleanAnswer(answer)
	sentences := SplitSentences(cleaned, g.config.MinSentenceLen)
	claims := dropRefusals(sentences, g.config.RefusalPhrases)

	refusal := len(sentences) > 0 && len(claims) == 0
	if len(sentences) == 0 {
		refusal = IsRefusal(cleaned, g.config.RefusalPhrases)
	}

	// Refusals score 1.0 and are never penalized
	if refusal {
		v.Refusal = true
		v.Scored = true
		v.Score = 1.0
		v.Reason = ReasonRefusal
		if len(evidence) > 0 {
			v.Decision = DecisionServe
		} else {
			v.Reason = ReasonNoEvidence
		}
		return v, nil
	}

	if len(evidence) == 0 {
		v.Reason = ReasonNoEvidence
		return v, fmt.Errorf("%w: no evidence to score against", ErrScoringUnavailable)
	}

	if len(claims) == 0 {
		v.Scored = true
		v.Reason = ReasonNoClaims
		return v, nil
	}
	if skipped := len(sentences) - len(claims); skipped > 0 {
		g.log.Debug("skipped refusal clauses", zap.Int("skipped", skipped))
	}

	for _, s := range claims {
		ss, err := g.scoreSentence(ctx, s, evidence)
		if err != nil {
			v.Reason = ReasonScoringUnavailable
			g.log.Warn("entailment failed", zap.Error(err))
			return v, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
		}
		if ss.Score < g.config.Threshold {
			v.Flagged++
		}
		v.Sentences = append(v.Sentences, ss)
	}

	scores := make([]float64, len(v.Sentences))
	for i, s := range v.Sentences {
		scores[i] = s.Score
	}
	v.Score = Aggregate(g.config.Aggregation, scores)
	v.Scored = true
	if v.Score >= g.config.Threshold {
		v.Decision = DecisionServe
		v.Reason = ReasonFaithful
	} else {
		v.Reason = ReasonLowFaithfulness
	}

	g.log.Debug("scored answer",
		zap.Float64("score", v.Score),
		zap.String("decision", string(v.Decision)),
		zap.Int("sentences", len(v.Sentences)),
		zap.Int("flagged", v.Flagged),
	)
	return v, nil
}

func (g *Gate) scoreSentence(ctx context.Context, sentence string, evidence []chunk.Chunk) (SentenceScore, error) {
	ss := SentenceScore{Sentence: sentence}

	var scores []float64
	if b, ok := g.model.(batchEntailer); ok {
		premises := make([]string, len(evidence))
		for i, c := range evidence {
			premises[i] = c.Text
		}
		var err error
		if scores, err = b.EntailAll(ctx, premises, sentence); err != nil {
			return ss, err
		}
	} else {
		scores = make([]float64, len(evidence))
		for i, c := range evidence {
			p, err := g.model.EntailmentProbability(ctx, c.Text, sentence)
			if err != nil {
				return ss, err
			}
			scores[i] = p
		}
	}

	for i, p := range scores {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return ss, fmt.Errorf("entailment probability %v out of range", p)
		}
		if ss.BestChunkID == "" || p > ss.Score {
			ss.Score = p
			ss.BestChunkID = evidence[i].ID
		}
	}
	return ss, nil
}

// #endregion score

// #region aggregate
// Aggregate folds sentence scores with the given policy. Empty input is 0.
func Aggregate(policy Aggregation, scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	switch policy {
	case AggregateMean:
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	default:
		lo := scores[0]
		for _, s := range scores[1:] {
			if s < lo {
				lo = s
			}
		}
		return lo
	}
}

// #endregion aggregate
