package gate

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/newsgate/internal/codec"
)

// #region lexical
// LexicalEntailment approximates entailment as the share of the hypothesis's
// content words that appear in the premise. It needs no model and is fully
// deterministic, so it backs offline runs and tests.
type LexicalEntailment struct{}

func (LexicalEntailment) EntailmentProbability(_ context.Context, premise, hypothesis string) (float64, error) {
	hyp := tokenize(hypothesis)
	if len(hyp) == 0 {
		return 0, nil
	}
	return float64(sharedKeywords(tokenize(premise), hyp)) / float64(len(hyp)), nil
}

// #endregion lexical

// #region nli
// EntailClient is the slice of the inference client the NLI model needs.
type EntailClient interface {
	Entail(ctx context.Context, pairs []codec.Pair) ([]float64, error)
}

// NLI scores pairs with the cross-encoder hosted by the inference sidecar.
type NLI struct {
	client EntailClient
}

// NewNLI wraps an inference client.
func NewNLI(client EntailClient) *NLI {
	return &NLI{client: client}
}

func (n *NLI) EntailmentProbability(ctx context.Context, premise, hypothesis string) (float64, error) {
	scores, err := n.EntailAll(ctx, []string{premise}, hypothesis)
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// EntailAll scores hypothesis against every premise in one round trip.
func (n *NLI) EntailAll(ctx context.Context, premises []string, hypothesis string) ([]float64, error) {
	pairs := make([]codec.Pair, len(premises))
	for i, p := range premises {
		pairs[i] = codec.Pair{Premise: p, Hypothesis: hypothesis}
	}
	scores, err := n.client.Entail(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("nli: %w", err)
	}
	if len(scores) != len(premises) {
		return nil, fmt.Errorf("nli: got %d scores for %d premises", len(scores), len(premises))
	}
	return scores, nil
}

// #endregion nli
