package gate

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
)

// TestEmptyEvidenceNeverServes verifies no answer is served without evidence.
// Property: Score(answer, []) is FLAG for any answer
func TestEmptyEvidenceNeverServes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g := NewGate(DefaultGateConfig(), LexicalEntailment{}, nil)

	properties.Property("empty evidence always flags", prop.ForAll(
		func(answer string) bool {
			v, _ := g.Score(context.Background(), answer, nil)
			return v.Decision == DecisionFlag
		},
		gen.AnyString(),
	))

	properties.Property("empty evidence flags sentence-shaped answers", prop.ForAll(
		func(words []string) bool {
			answer := strings.Join(words, " ") + "."
			v, _ := g.Score(context.Background(), answer, nil)
			return v.Decision == DecisionFlag
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestMinNeverExceedsMean verifies the aggregation ordering.
// Property: Aggregate(min, s) <= Aggregate(mean, s) for any non-empty s in [0,1]
func TestMinNeverExceedsMean(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("min <= mean", prop.ForAll(
		func(scores []float64) bool {
			if len(scores) == 0 {
				return true
			}
			return Aggregate(AggregateMin, scores) <= Aggregate(AggregateMean, scores)+1e-12
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.Property("aggregates stay in [0,1]", prop.ForAll(
		func(scores []float64) bool {
			for _, p := range []Aggregation{AggregateMin, AggregateMean} {
				s := Aggregate(p, scores)
				if s < 0 || s > 1+1e-12 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}

// TestVerbatimAnswerServes verifies copied evidence is judged faithful.
// Property: an answer copied from a chunk scores >= 0.9 and is served
func TestVerbatimAnswerServes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	g := NewGate(DefaultGateConfig(), LexicalEntailment{}, nil)

	properties.Property("verbatim sentence serves", prop.ForAll(
		func(words []string) bool {
			for i, w := range words {
				words[i] = "zq" + strings.ToLower(w)
			}
			sentence := strings.Join(words, " ") + "."
			evidence := []chunk.Chunk{
				{ID: "other", Text: "Unrelated coverage of quarterly earnings season."},
				{ID: "src", Text: "Reporting from the event. " + sentence + " More details followed later."},
			}
			v, err := g.Score(context.Background(), sentence+" [Source 2]", evidence)
			return err == nil && v.Score >= 0.9 && v.Decision == DecisionServe
		},
		gen.SliceOfN(5, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestScoreDeterminism verifies identical inputs give identical verdicts.
// Property: Score(a, e) == Score(a, e)
func TestScoreDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	g := NewGate(DefaultGateConfig(), LexicalEntailment{}, nil)

	properties.Property("verdicts are deterministic", prop.ForAll(
		func(a, b string) bool {
			answer := a + ". Meta lost billions on " + b + "."
			v1, err1 := g.Score(context.Background(), answer, metaChunks)
			v2, err2 := g.Score(context.Background(), answer, metaChunks)
			if (err1 == nil) != (err2 == nil) {
				return false
			}
			if v1.Score != v2.Score || v1.Decision != v2.Decision || len(v1.Sentences) != len(v2.Sentences) {
				return false
			}
			for i := range v1.Sentences {
				if v1.Sentences[i] != v2.Sentences[i] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
