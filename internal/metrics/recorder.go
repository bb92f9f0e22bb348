package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS query_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id         TEXT NOT NULL UNIQUE,
	created_at       TEXT NOT NULL,
	query            TEXT NOT NULL,
	answer           TEXT,
	provider         TEXT,
	template_version TEXT,
	num_chunks       INTEGER NOT NULL DEFAULT 0,
	chunk_ids        TEXT,
	sources          TEXT,
	best_similarity  REAL,
	score            REAL,
	decision         TEXT NOT NULL CHECK (decision IN ('SERVE', 'FLAG')),
	reason           TEXT,
	is_refusal       INTEGER NOT NULL DEFAULT 0,
	num_sentences    INTEGER NOT NULL DEFAULT 0,
	num_flagged      INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	latency_ms       INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	CHECK (decision = 'FLAG' OR score IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);

CREATE TRIGGER IF NOT EXISTS query_log_no_update
BEFORE UPDATE ON query_log
BEGIN
	SELECT RAISE(ABORT, 'query_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS query_log_no_delete
BEFORE DELETE ON query_log
BEGIN
	SELECT RAISE(ABORT, 'query_log is append-only');
END;
`

// timeLayout is fixed width so created_at text sorts in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const columns = `id, query_id, created_at, query, answer, provider, template_version,
	chunk_ids, sources, best_similarity, score, decision, reason, is_refusal,
	num_sentences, num_flagged, attempts, latency_ms, error`

// #endregion schema

// #region recorder
// Recorder appends query outcomes to an append-only SQLite log. Appends are
// serialized; reads may run concurrently with them.
type Recorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log *zap.Logger
}

// Open opens (or creates) the metrics database at dbPath.
func Open(dbPath string, log *zap.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	r, err := New(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an open database and runs migrations.
func New(db *sql.DB, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Recorder{db: db, log: log.Named("recorder")}, nil
}

// Close closes the underlying database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// #endregion recorder

// #region record
// Record appends rec and returns its row id. Ids increase monotonically.
// A missing QueryID gets a fresh UUID and a zero CreatedAt becomes now.
func (r *Recorder) Record(ctx context.Context, rec Record) (int64, error) {
	if rec.Decision != "SERVE" && rec.Decision != "FLAG" {
		return 0, fmt.Errorf("record: invalid decision %q", rec.Decision)
	}
	if rec.Decision == "SERVE" && rec.Score == nil {
		return 0, fmt.Errorf("record: SERVE requires a score")
	}
	if rec.QueryID == "" {
		rec.QueryID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	chunkIDs, err := json.Marshal(nonNil(rec.ChunkIDs))
	if err != nil {
		return 0, fmt.Errorf("record: marshal chunk ids: %w", err)
	}
	sources, err := json.Marshal(nonNilSources(rec.Sources))
	if err != nil {
		return 0, fmt.Errorf("record: marshal sources: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO query_log (query_id, created_at, query, answer, provider, template_version,
			num_chunks, chunk_ids, sources, best_similarity, score, decision, reason, is_refusal,
			num_sentences, num_flagged, attempts, latency_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QueryID,
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.Query,
		nullIfEmpty(rec.Answer),
		nullIfEmpty(rec.Provider),
		nullIfEmpty(rec.TemplateVersion),
		len(rec.ChunkIDs),
		string(chunkIDs),
		string(sources),
		nullFloat(rec.BestSimilarity),
		nullFloat(rec.Score),
		rec.Decision,
		nullIfEmpty(rec.Reason),
		rec.Refusal,
		rec.NumSentences,
		rec.NumFlagged,
		rec.Attempts,
		rec.Latency.Milliseconds(),
		nullIfEmpty(rec.Error),
	)
	if err != nil {
		r.log.Error("append failed", zap.String("query_id", rec.QueryID), zap.Error(err))
		return 0, fmt.Errorf("record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record: last insert id: %w", err)
	}
	r.log.Debug("recorded",
		zap.Int64("id", id),
		zap.String("query_id", rec.QueryID),
		zap.String("decision", rec.Decision),
		zap.String("reason", rec.Reason),
	)
	return id, nil
}

// #endregion record

// #region query
// Query returns matching records, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []interface{}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.TemplateVersion != "" {
		where = append(where, "template_version = ?")
		args = append(args, f.TemplateVersion)
	}
	if f.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, f.Decision)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	q := "SELECT " + columns + " FROM query_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	return out, nil
}

// Recent returns the newest n records.
func (r *Recorder) Recent(ctx context.Context, n int) ([]Record, error) {
	return r.Query(ctx, Filter{Limit: n})
}

// Get returns the record with the given query id, or ErrNotFound.
func (r *Recorder) Get(ctx context.Context, queryID string) (Record, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+columns+" FROM query_log WHERE query_id = ?", queryID)
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", queryID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Record{}, fmt.Errorf("get record %s: %w", queryID, err)
		}
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, queryID)
	}
	return scanRecord(rows)
}

// #endregion query

// #region summary
// Summary aggregates every record matching f. f.Limit bounds the window to the
// newest rows.
func (r *Recorder) Summary(ctx context.Context, f Filter) (Summary, error) {
	recs, err := r.Query(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(recs), nil
}

// Summarize aggregates records in memory.
func Summarize(recs []Record) Summary {
	s := Summary{
		ByProvider: make(map[string]GroupStats),
		ByTemplate: make(map[string]GroupStats),
	}
	var scoreSum float64
	var latencySum time.Duration
	provSums := make(map[string]float64)
	tmplSums := make(map[string]float64)

	for _, rec := range recs {
		s.Count++
		latencySum += rec.Latency
		served := rec.Decision == "SERVE"
		if served {
			s.Served++
		} else {
			s.Flagged++
		}
		if rec.Refusal {
			s.Refusals++
		}
		if rec.Error != "" {
			s.Failures++
		}

		prov := orNone(rec.Provider)
		tmpl := orNone(rec.TemplateVersion)
		ps, ts := s.ByProvider[prov], s.ByTemplate[tmpl]
		ps.Count++
		ts.Count++
		if served {
			ps.Served++
			ts.Served++
		} else {
			ps.Flagged++
			ts.Flagged++
		}

		if rec.Score != nil {
			sc := *rec.Score
			s.Scored++
			scoreSum += sc
			s.Distribution[bucket(sc)]++
			ps.Scored++
			ts.Scored++
			provSums[prov] += sc
			tmplSums[tmpl] += sc
		}
		s.ByProvider[prov] = ps
		s.ByTemplate[tmpl] = ts
	}

	if s.Scored > 0 {
		s.MeanScore = scoreSum / float64(s.Scored)
	}
	if s.Count > 0 {
		s.MeanLatency = latencySum / time.Duration(s.Count)
	}
	for k, g := range s.ByProvider {
		if g.Scored > 0 {
			g.MeanScore = provSums[k] / float64(g.Scored)
			s.ByProvider[k] = g
		}
	}
	for k, g := range s.ByTemplate {
		if g.Scored > 0 {
			g.MeanScore = tmplSums[k] / float64(g.Scored)
			s.ByTemplate[k] = g
		}
	}
	return s
}

func bucket(score float64) int {
	b := int(score * 10)
	if b < 0 {
		return 0
	}
	if b > 9 {
		return 9
	}
	return b
}

// #endregion summary

// #region helpers
func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var created string
	var answer, provider, tmpl, chunkIDs, sources, reason, errText sql.NullString
	var best, score sql.NullFloat64
	var latencyMs int64
	if err := rows.Scan(&rec.ID, &rec.QueryID, &created, &rec.Query, &answer, &provider, &tmpl,
		&chunkIDs, &sources, &best, &score, &rec.Decision, &reason, &rec.Refusal,
		&rec.NumSentences, &rec.NumFlagged, &rec.Attempts, &latencyMs, &errText); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, created)
	rec.Answer = answer.String
	rec.Provider = provider.String
	rec.TemplateVersion = tmpl.String
	rec.Reason = reason.String
	rec.Error = errText.String
	rec.Latency = time.Duration(latencyMs) * time.Millisecond
	if best.Valid {
		v := best.Float64
		rec.BestSimilarity = &v
	}
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	if chunkIDs.Valid && chunkIDs.String != "" {
		if err := json.Unmarshal([]byte(chunkIDs.String), &rec.ChunkIDs); err != nil {
			return Record{}, fmt.Errorf("decode chunk ids for %s: %w", rec.QueryID, err)
		}
	}
	if sources.Valid && sources.String != "" {
		if err := json.Unmarshal([]byte(sources.String), &rec.Sources); err != nil {
			return Record{}, fmt.Errorf("decode sources for %s: %w", rec.QueryID, err)
		}
	}
	return rec, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSources(s []Source) []Source {
	if s == nil {
		return []Source{}
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// #endregion helpers
