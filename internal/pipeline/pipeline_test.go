package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/newsgate/internal/chunk"
	"github.com/danielpatrickdp/newsgate/internal/gate"
	"github.com/danielpatrickdp/newsgate/internal/metrics"
	"github.com/danielpatrickdp/newsgate/internal/prompt"
	"github.com/danielpatrickdp/newsgate/internal/providers"
	"github.com/danielpatrickdp/newsgate/internal/retrieval"
	"github.com/danielpatrickdp/newsgate/internal/router"
	"github.com/danielpatrickdp/newsgate/internal/telemetry"
)

// #region fakes
const nvidiaFact = "Nvidia reported record data center revenue of 30 billion dollars in the second quarter."

var corpus = []chunk.Hit{
	{Score: 0.91, Chunk: chunk.Chunk{
		ID: "nv-1", DocumentID: "nv", Source: "reuters", Title: "Nvidia earnings", URL: "https://example.com/nv",
		Text: "Chipmaker results landed after the bell. " + nvidiaFact + " Shares rose in late trading.",
	}},
	{Score: 0.74, Chunk: chunk.Chunk{
		ID: "amd-1", DocumentID: "amd", Source: "verge", Title: "AMD roadmap", URL: "https://example.com/amd",
		Text: "AMD outlined its accelerator roadmap and said new parts ship next year to cloud customers.",
	}},
}

type fakeRetriever struct {
	hits []chunk.Hit
	err  error
}

func (f fakeRetriever) Retrieve(_ context.Context, query string, k int) (retrieval.Result, error) {
	if f.err != nil {
		return retrieval.Result{Query: query}, f.err
	}
	hits := f.hits
	if len(hits) > k {
		hits = hits[:k]
	}
	return retrieval.Result{Query: query, Hits: hits}, nil
}

type fakeProvider struct {
	name   string
	answer string
	err    error

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(context.Context, prompt.Prompt) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.answer, f.err
}

type brokenScorer struct{}

func (brokenScorer) Score(context.Context, string, []chunk.Chunk) (gate.Verdict, error) {
	return gate.Verdict{Decision: gate.DecisionFlag, Reason: gate.ReasonScoringUnavailable},
		gate.ErrScoringUnavailable
}

type brokenRecorder struct{}

func (brokenRecorder) Record(context.Context, metrics.Record) (int64, error) {
	return 0, errors.New("disk full")
}

// #endregion fakes

// #region harness
type harness struct {
	pipeline  *Pipeline
	recorder  *metrics.Recorder
	metrics   *telemetry.Metrics
	primary   *fakeProvider
	secondary *fakeProvider
}

func newHarness(t *testing.T, ret Retriever, primary, secondary *fakeProvider, mutate func(*Deps)) *harness {
	t.Helper()
	lib, err := prompt.LoadLibrary(fstest.MapFS{
		"v1.yaml": {Data: []byte("version: v1\nsystem_prompt: Answer only from the sources.\nuser_template: \"Sources:\\n{evidence}\\n\\nQuestion: {query}\"\n")},
	})
	require.NoError(t, err)

	rec, err := metrics.Open(filepath.Join(t.TempDir(), "metrics.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	m := telemetry.NewMetrics(prometheus.NewRegistry())
	policy := router.Policy{MaxRetries: 1, Backoff: time.Millisecond, AttemptTimeout: time.Second}

	var fallback providers.Provider
	if secondary != nil {
		fallback = secondary
	}
	deps := Deps{
		Retriever: ret,
		Assembler: prompt.NewAssembler(lib, prompt.DefaultConfig()),
		Generator: router.New(primary, fallback, policy, nil),
		Scorer:    gate.NewGate(gate.DefaultGateConfig(), gate.LexicalEntailment{}, nil),
		Recorder:  rec,
		Metrics:   m,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &harness{
		pipeline:  New(deps, DefaultConfig()),
		recorder:  rec,
		metrics:   m,
		primary:   primary,
		secondary: secondary,
	}
}

func (h *harness) records(t *testing.T) []metrics.Record {
	t.Helper()
	recs, err := h.recorder.Query(context.Background(), metrics.Filter{})
	require.NoError(t, err)
	return recs
}

// #endregion harness

// #region served-tests
func TestAnswerQuery_Served(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: nvidiaFact + " [Source 1]"},
		&fakeProvider{name: "groq", answer: "unused"}, nil)

	ans, err := h.pipeline.AnswerQuery(context.Background(), "What did Nvidia report?")
	require.NoError(t, err)

	assert.True(t, ans.Served())
	assert.Equal(t, gate.ReasonFaithful, ans.Reason)
	require.NotNil(t, ans.Score)
	assert.GreaterOrEqual(t, *ans.Score, 0.9)
	assert.Equal(t, "gemini", ans.Provider)
	assert.Equal(t, 1, ans.Attempts)
	assert.Equal(t, "v1", ans.TemplateVersion)
	assert.Len(t, ans.Sources, 2)
	assert.Equal(t, 0, h.secondary.calls)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ans.RecordID, recs[0].ID)
	assert.Equal(t, ans.QueryID, recs[0].QueryID)
	assert.Equal(t, "SERVE", recs[0].Decision)
	assert.Equal(t, []string{"nv-1", "amd-1"}, recs[0].ChunkIDs)
	require.NotNil(t, recs[0].BestSimilarity)
	assert.InDelta(t, 0.91, *recs[0].BestSimilarity, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Queries.WithLabelValues("SERVE", "faithful")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProviderAttempts.WithLabelValues("gemini", "ok")))
}

func TestAnswerQuery_Fallback(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", err: errors.New("429 too many requests")},
		&fakeProvider{name: "groq", answer: nvidiaFact}, nil)

	ans, err := h.pipeline.AnswerQuery(context.Background(), "What did Nvidia report?")
	require.NoError(t, err)

	assert.Equal(t, "groq", ans.Provider)
	assert.Equal(t, 3, ans.Attempts)
	assert.Equal(t, 2, h.primary.calls)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "groq", recs[0].Provider)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ProviderAttempts.WithLabelValues("gemini", string(providers.KindRateLimited))))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProviderAttempts.WithLabelValues("groq", "ok")))
}

func TestAnswerQuery_Refusal(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: "I don't have enough information in the provided sources to answer that."},
		nil, nil)

	ans, err := h.pipeline.AnswerQuery(context.Background(), "Who won the 1998 World Cup?")
	require.NoError(t, err)

	assert.True(t, ans.Refusal)
	assert.True(t, ans.Served())
	require.NotNil(t, ans.Score)
	assert.Equal(t, 1.0, *ans.Score)
	assert.True(t, h.records(t)[0].Refusal)
}

func TestAnswerQuery_LowFaithfulness(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: "Apple announced a foldable iPhone launching next spring in Europe."},
		nil, nil)

	ans, err := h.pipeline.AnswerQuery(context.Background(), "What did Apple announce?")
	require.NoError(t, err)

	assert.False(t, ans.Served())
	assert.Equal(t, gate.ReasonLowFaithfulness, ans.Reason)
	assert.NotEmpty(t, ans.Answer, "flagged answers keep their text")
	require.NotNil(t, ans.Score)
	assert.Less(t, *ans.Score, 0.5)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "FLAG", recs[0].Decision)
	assert.Equal(t, 1, recs[0].NumFlagged)
}

func TestRun_TemplateVersionOverride(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: nvidiaFact}, nil, nil)

	ans, err := h.pipeline.Run(context.Background(), Query{Text: "q", TemplateVersion: "v9"})
	require.Error(t, err)
	assert.ErrorIs(t, err, prompt.ErrUnknownTemplateVersion)
	assert.Equal(t, ReasonUnknownTemplate, ans.Reason)
	assert.Equal(t, 0, h.primary.calls, "no provider call for an unknown template")

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "v9", recs[0].TemplateVersion)
	assert.Equal(t, ReasonUnknownTemplate, recs[0].Reason)
}

// #endregion served-tests

// #region failure-tests
func TestAnswerQuery_BothProvidersFail(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", err: errors.New("503 service unavailable")},
		&fakeProvider{name: "groq", err: errors.New("503 service unavailable")}, nil)

	ans, err := h.pipeline.AnswerQuery(context.Background(), "What did Nvidia report?")
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrGenerationExhausted)
	assert.Equal(t, gate.DecisionFlag, ans.Decision)
	assert.Nil(t, ans.Score)
	assert.Equal(t, 4, ans.Attempts)

	recs := h.records(t)
	require.Len(t, recs, 1, "exactly one record per failed query")
	assert.Equal(t, "FLAG", recs[0].Decision)
	assert.Equal(t, ReasonGenerationFailed, recs[0].Reason)
	assert.Nil(t, recs[0].Score)
	assert.Equal(t, 4, recs[0].Attempts)
	assert.NotEmpty(t, recs[0].Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Queries.WithLabelValues("FLAG", ReasonGenerationFailed)))
}

func TestAnswerQuery_RetrievalUnavailable(t *testing.T) {
	h := newHarness(t, fakeRetriever{err: retrieval.ErrRetrievalUnavailable},
		&fakeProvider{name: "gemini", answer: "unused"}, nil, nil)

	ans, err := h.pipeline.AnswerQuery(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, retrieval.ErrRetrievalUnavailable)
	assert.Equal(t, ReasonRetrievalUnavailable, ans.Reason)
	assert.Equal(t, 0, h.primary.calls)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonRetrievalUnavailable, recs[0].Reason)
	assert.Nil(t, recs[0].Score)
}

func TestAnswerQuery_ScoringUnavailable(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: nvidiaFact}, nil,
		func(d *Deps) { d.Scorer = brokenScorer{} })

	ans, err := h.pipeline.AnswerQuery(context.Background(), "What did Nvidia report?")
	require.Error(t, err)
	assert.ErrorIs(t, err, gate.ErrScoringUnavailable)
	assert.False(t, ans.Served())
	assert.Nil(t, ans.Score)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "FLAG", recs[0].Decision)
	assert.Equal(t, ReasonScoringUnavailable, recs[0].Reason)
	assert.Equal(t, "gemini", recs[0].Provider)
}

func TestAnswerQuery_CancelledStillRecorded(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: nvidiaFact}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.pipeline.AnswerQuery(ctx, "What did Nvidia report?")
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrGenerationExhausted)
	assert.Len(t, h.records(t), 1)
}

func TestAnswerQuery_RecorderFailure(t *testing.T) {
	h := newHarness(t, fakeRetriever{hits: corpus},
		&fakeProvider{name: "gemini", answer: nvidiaFact}, nil,
		func(d *Deps) { d.Recorder = brokenRecorder{} })

	_, err := h.pipeline.AnswerQuery(context.Background(), "What did Nvidia report?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// #endregion failure-tests
