package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// #region helpers
func tempRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "metrics.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func ptr(f float64) *float64 { return &f }

func served(query string, score float64) Record {
	return Record{
		Query:           query,
		Answer:          "answer to " + query,
		Provider:        "gemini",
		TemplateVersion: "v1",
		ChunkIDs:        []string{"c1", "c2"},
		Sources:         []Source{{Source: "techcrunch", Title: "T", URL: "https://example.com/t"}},
		BestSimilarity:  ptr(0.82),
		Score:           ptr(score),
		Decision:        "SERVE",
		Reason:          "faithful",
		NumSentences:    2,
		Attempts:        1,
		Latency:         1200 * time.Millisecond,
	}
}

// #endregion helpers

// #region record-tests
func TestRecord_RoundTrip(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	in := served("what did nvidia report", 0.91)
	in.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := r.Record(ctx, in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	recs, err := r.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0]
	if got.ID != id || got.QueryID == "" {
		t.Errorf("expected id %d and generated query id, got %d %q", id, got.ID, got.QueryID)
	}
	if got.Score == nil || *got.Score != 0.91 {
		t.Errorf("expected score 0.91, got %v", got.Score)
	}
	if len(got.ChunkIDs) != 2 || got.ChunkIDs[1] != "c2" {
		t.Errorf("unexpected chunk ids %v", got.ChunkIDs)
	}
	if len(got.Sources) != 1 || got.Sources[0].URL != "https://example.com/t" {
		t.Errorf("unexpected sources %v", got.Sources)
	}
	if got.Latency != 1200*time.Millisecond {
		t.Errorf("expected 1.2s latency, got %v", got.Latency)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", in.CreatedAt, got.CreatedAt)
	}
}

func TestRecord_NullScoreFlag(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	_, err := r.Record(ctx, Record{
		Query:    "anything",
		Decision: "FLAG",
		Reason:   "generation_failed",
		Attempts: 4,
		Error:    "generation exhausted after 4 attempts",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	recs, _ := r.Recent(ctx, 1)
	if recs[0].Score != nil {
		t.Errorf("expected null score, got %v", *recs[0].Score)
	}
	if recs[0].Reason != "generation_failed" || recs[0].Attempts != 4 {
		t.Errorf("unexpected record %+v", recs[0])
	}
}

func TestRecord_RejectsServeWithoutScore(t *testing.T) {
	r := tempRecorder(t)
	rec := served("q", 0.9)
	rec.Score = nil
	if _, err := r.Record(context.Background(), rec); err == nil {
		t.Fatal("expected error for SERVE without score")
	}

	rec.Decision = "MAYBE"
	if _, err := r.Record(context.Background(), rec); err == nil {
		t.Fatal("expected error for invalid decision")
	}
}

func TestRecord_IDsMonotonic(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := r.Record(ctx, served("q", 0.7))
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if id <= last {
			t.Fatalf("expected id > %d, got %d", last, id)
		}
		last = id
	}
}

func TestRecord_DuplicateQueryID(t *testing.T) {
	r := tempRecorder(t)
	rec := served("q", 0.7)
	rec.QueryID = "fixed"
	if _, err := r.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := r.Record(context.Background(), rec); err == nil {
		t.Fatal("expected unique constraint error")
	}
}

func TestRecord_ConcurrentAppends(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Record(ctx, served("q", 0.6)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Record: %v", err)
	}

	recs, _ := r.Query(ctx, Filter{})
	if len(recs) != 20 {
		t.Fatalf("expected 20 records, got %d", len(recs))
	}
}

// #endregion record-tests

// #region append-only-tests
func TestAppendOnly(t *testing.T) {
	r := tempRecorder(t)
	if _, err := r.Record(context.Background(), served("q", 0.8)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := r.db.Exec(`UPDATE query_log SET decision = 'FLAG'`); err == nil {
		t.Error("expected UPDATE to be rejected")
	}
	if _, err := r.db.Exec(`DELETE FROM query_log`); err == nil {
		t.Error("expected DELETE to be rejected")
	}

	recs, _ := r.Recent(context.Background(), 10)
	if len(recs) != 1 || recs[0].Decision != "SERVE" {
		t.Fatalf("expected the original row untouched, got %+v", recs)
	}
}

// #endregion append-only-tests

// #region read-tests
func TestQueryFilters(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	a := served("a", 0.9)
	b := served("b", 0.3)
	b.Decision, b.Reason, b.Provider, b.TemplateVersion = "FLAG", "low_faithfulness", "groq", "v2"
	c := served("c", 0.8)
	c.TemplateVersion = "v2"
	for _, rec := range []Record{a, b, c} {
		if _, err := r.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all newest first", Filter{}, []string{"c", "b", "a"}},
		{"provider", Filter{Provider: "groq"}, []string{"b"}},
		{"template", Filter{TemplateVersion: "v2"}, []string{"c", "b"}},
		{"decision", Filter{Decision: "SERVE"}, []string{"c", "a"}},
		{"limit", Filter{Limit: 1}, []string{"c"}},
		{"since future", Filter{Since: time.Now().Add(time.Hour)}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := r.Query(ctx, tc.f)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(recs) != len(tc.want) {
				t.Fatalf("expected %d records, got %d", len(tc.want), len(recs))
			}
			for i, q := range tc.want {
				if recs[i].Query != q {
					t.Errorf("record %d: expected %s, got %s", i, q, recs[i].Query)
				}
			}
		})
	}
}

func TestQuerySinceSubSecond(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := served("before", 0.9)
	before.CreatedAt = since.Add(-500 * time.Millisecond)
	after := served("after", 0.9)
	after.CreatedAt = since.Add(500 * time.Millisecond)
	exact := served("exact", 0.9)
	exact.CreatedAt = since
	for _, rec := range []Record{before, after, exact} {
		if _, err := r.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recs, err := r.Query(ctx, Filter{Since: since})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	got := map[string]bool{}
	for _, rec := range recs {
		got[rec.Query] = true
	}
	if len(recs) != 2 || !got["after"] || !got["exact"] {
		t.Errorf("expected after and exact, got %v", got)
	}

	sum, err := r.Summary(ctx, Filter{Since: since})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Count != 2 {
		t.Errorf("expected summary count 2, got %d", sum.Count)
	}

	var afterRec Record
	for _, rec := range recs {
		if rec.Query == "after" {
			afterRec = rec
		}
	}
	if !afterRec.CreatedAt.Equal(after.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", after.CreatedAt, afterRec.CreatedAt)
	}
}

func TestGet(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	rec := served("q", 0.75)
	rec.QueryID = "q-123"
	if _, err := r.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := r.Get(ctx, "q-123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Query != "q" || got.Score == nil || *got.Score != 0.75 {
		t.Errorf("unexpected record %+v", got)
	}
	if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	refusal := served("r", 1.0)
	refusal.Refusal, refusal.Reason = true, "refusal"
	flagged := served("f", 0.2)
	flagged.Decision, flagged.Reason, flagged.Provider = "FLAG", "low_faithfulness", "groq"
	failed := Record{Query: "x", Decision: "FLAG", Reason: "generation_failed", Error: "exhausted", Latency: 200 * time.Millisecond}

	for _, rec := range []Record{served("a", 0.9), refusal, flagged, failed} {
		if _, err := r.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	s, err := r.Summary(ctx, Filter{})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Count != 4 || s.Scored != 3 || s.Served != 2 || s.Flagged != 2 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.Refusals != 1 || s.Failures != 1 {
		t.Errorf("expected 1 refusal and 1 failure, got %d %d", s.Refusals, s.Failures)
	}
	if diff := s.MeanScore - 0.7; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected mean score 0.7, got %f", s.MeanScore)
	}
	if s.Distribution[9] != 2 || s.Distribution[2] != 1 {
		t.Errorf("unexpected distribution %v", s.Distribution)
	}
	if s.ByProvider["gemini"].Count != 2 || s.ByProvider["groq"].Flagged != 1 || s.ByProvider["none"].Count != 1 {
		t.Errorf("unexpected provider breakdown %+v", s.ByProvider)
	}
	if s.ServeRate() != 0.5 {
		t.Errorf("expected serve rate 0.5, got %f", s.ServeRate())
	}
	if s.MeanLatency != 950*time.Millisecond {
		t.Errorf("expected mean latency 950ms, got %v", s.MeanLatency)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.Count != 0 || s.MeanScore != 0 || s.ServeRate() != 0 {
		t.Errorf("expected zero summary, got %+v", s)
	}
}

// #endregion read-tests

// #region failure-tests
func TestRecord_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS query_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO query_log").WillReturnError(errors.New("disk I/O error"))

	r, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Record(context.Background(), served("q", 0.9)); err == nil {
		t.Fatal("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNew_MigrationError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only database"))
	if _, err := New(db, nil); err == nil {
		t.Fatal("expected migration error")
	}
}

func TestQuery_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM query_log").WillReturnError(errors.New("database is locked"))

	r, err := New(db, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Summary(context.Background(), Filter{}); err == nil {
		t.Fatal("expected query error")
	}
}

// #endregion failure-tests
