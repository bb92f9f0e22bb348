// Package compare runs the same questions through several prompt template
// versions and compares their faithfulness.
package compare

import (
	"context"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/newsgate/internal/pipeline"
)

// #region types

// Runner answers one query. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, q pipeline.Query) (pipeline.Answer, error)
}

// Result is the outcome of one question under one template version.
type Result struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Version    string   `json:"version"`
	Answer     string   `json:"answer"`
	Score      *float64 `json:"score"`
	Decision   string   `json:"decision"`
	Reason     string   `json:"reason,omitempty"`
	Refusal    bool     `json:"refusal"`
	Provider   string   `json:"provider,omitempty"`
	AnswerLen  int      `json:"answer_len"` // runes
	Err        string   `json:"error,omitempty"`
}

// VersionStats aggregates one template version.
type VersionStats struct {
	Answers          int     `json:"answers"`
	NonRefusals      int     `json:"non_refusals"` // scored, non-refusal answers; these make up the mean
	Refusals         int     `json:"refusals"`
	Failures         int     `json:"failures"`
	Served           int     `json:"served"`
	MeanFaithfulness float64 `json:"mean_faithfulness"`
	MeanAnswerLen    float64 `json:"mean_answer_len"`
}

// Summary compares versions. Best is empty when the top means are equal.
type Summary struct {
	Versions  []string                `json:"versions"`
	ByVersion map[string]VersionStats `json:"by_version"`
	Best      string                  `json:"best,omitempty"`
	Margin    float64                 `json:"margin"`
}

// #endregion types

// #region compare

// Compare asks every question under every version, sequentially and in input
// order. A failing query is kept as a Result with Err set.
func Compare(ctx context.Context, runner Runner, set QuestionSet, log *zap.Logger) []Result {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("compare")
	results := make([]Result, 0, len(set.Questions)*len(set.Versions))

	for _, q := range set.Questions {
		for _, v := range set.Versions {
			if ctx.Err() != nil {
				return results
			}
			ans, err := runner.Run(ctx, pipeline.Query{Text: q.Text, TemplateVersion: v})
			r := Result{
				QuestionID: q.ID,
				Question:   q.Text,
				Version:    v,
				Answer:     ans.Answer,
				Score:      ans.Score,
				Decision:   string(ans.Decision),
				Reason:     ans.Reason,
				Refusal:    ans.Refusal,
				Provider:   ans.Provider,
				AnswerLen:  utf8.RuneCountInString(ans.Answer),
			}
			if err != nil {
				r.Err = err.Error()
				log.Warn("query failed", zap.String("question", q.ID), zap.String("version", v), zap.Error(err))
			}
			results = append(results, r)
		}
	}
	return results
}

// Summarize computes per-version stats. Refusals and unscored answers are
// excluded from the faithfulness mean.
func Summarize(results []Result) Summary {
	s := Summary{ByVersion: make(map[string]VersionStats)}
	sums := make(map[string]float64)
	lens := make(map[string]int)

	for _, r := range results {
		st, seen := s.ByVersion[r.Version]
		if !seen {
			s.Versions = append(s.Versions, r.Version)
		}
		st.Answers++
		lens[r.Version] += r.AnswerLen
		switch {
		case r.Err != "" && r.Score == nil:
			st.Failures++
		case r.Refusal:
			st.Refusals++
		case r.Score != nil:
			st.NonRefusals++
			sums[r.Version] += *r.Score
		}
		if r.Decision == "SERVE" {
			st.Served++
		}
		s.ByVersion[r.Version] = st
	}

	for v, st := range s.ByVersion {
		if st.NonRefusals > 0 {
			st.MeanFaithfulness = sums[v] / float64(st.NonRefusals)
		}
		st.MeanAnswerLen = float64(lens[v]) / float64(st.Answers)
		s.ByVersion[v] = st
	}

	ranked := append([]string(nil), s.Versions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return s.ByVersion[ranked[i]].MeanFaithfulness > s.ByVersion[ranked[j]].MeanFaithfulness
	})
	if len(ranked) > 1 {
		top, next := s.ByVersion[ranked[0]].MeanFaithfulness, s.ByVersion[ranked[1]].MeanFaithfulness
		if top > next {
			s.Best = ranked[0]
			s.Margin = top - next
		}
	} else if len(ranked) == 1 {
		s.Best = ranked[0]
	}
	return s
}

// #endregion compare
