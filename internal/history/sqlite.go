package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/avisto/stepline/pkg/api"
)

const createTables = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL,
	workflow_name TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	success INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS step_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	step_kind TEXT NOT NULL,
	service TEXT NOT NULL,
	success INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	duration_ms REAL,
	error TEXT,
	attempts INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_name
	ON workflow_runs (workflow_name, started_at);
`

// SQLiteHistory is a durable History backend.
//
// It expects an *sql.DB opened with a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// The schema is created lazily on first use; no migration tooling is
// required. When maxRecordsPerWorkflow is greater than zero, every
// successful Record prunes the oldest runs of that workflow beyond the
// limit, and the delete cascades to the run's step rows.
type SQLiteHistory struct {
	db  *sql.DB
	max int

	initMu      sync.Mutex
	initialized bool
}

var _ api.History = (*SQLiteHistory)(nil)

// NewSQLiteHistory wraps db as a History backend. maxRecordsPerWorkflow of
// zero means unlimited retention.
func NewSQLiteHistory(db *sql.DB, maxRecordsPerWorkflow int) *SQLiteHistory {
	return &SQLiteHistory{db: db, max: maxRecordsPerWorkflow}
}

func (h *SQLiteHistory) ensureSchema(ctx context.Context) error {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	if h.initialized {
		return nil
	}
	if _, err := h.db.ExecContext(ctx, createTables); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	h.initialized = true
	return nil
}

func (h *SQLiteHistory) Record(ctx context.Context, rec *api.ExecutionRecord) error {
	if err := h.ensureSchema(ctx); err != nil {
		return err
	}

	// database/sql hands statements to arbitrary pooled connections, and
	// SQLite foreign-key enforcement is per-connection state; inside an open
	// transaction the pragma is a no-op. Pinning a connection lets it be
	// enabled before the transaction begins, so the prune's delete cascades
	// to step rows on this exact connection.
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire history connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (uid, workflow_name, started_at, completed_at, success)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.WorkflowName,
		formatTime(rec.StartedAt),
		nullableTime(rec.CompletedAt),
		boolToInt(rec.Success),
	)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("workflow run id: %w", err)
	}

	for _, step := range rec.Steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_runs (run_id, step_kind, service, success, skipped, duration_ms, error, attempts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID,
			step.Kind,
			step.Service,
			boolToInt(step.Success),
			boolToInt(step.Skipped),
			durationMS(step.Duration),
			nullableString(step.Error),
			step.Attempts,
		)
		if err != nil {
			return fmt.Errorf("insert step run: %w", err)
		}
	}

	if h.max > 0 {
		if err := h.prune(ctx, tx, rec.WorkflowName); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	return nil
}

// prune deletes the oldest runs of a workflow beyond the retention limit.
// It runs inside the same transaction as the insert, so the cascade to
// step_runs is part of one logical operation.
func (h *SQLiteHistory) prune(ctx context.Context, tx *sql.Tx, workflowName string) error {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflow_runs WHERE workflow_name = ?",
		workflowName,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("count workflow runs: %w", err)
	}

	excess := count - h.max
	if excess <= 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE id IN (
			SELECT id FROM workflow_runs
			WHERE workflow_name = ?
			ORDER BY started_at ASC, id ASC
			LIMIT ?
		)`,
		workflowName, excess,
	)
	if err != nil {
		return fmt.Errorf("prune workflow runs: %w", err)
	}
	return nil
}

func (h *SQLiteHistory) GetHistory(ctx context.Context, workflowName string) ([]*api.ExecutionRecord, error) {
	if err := h.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return h.queryRuns(ctx,
		`SELECT id, uid, workflow_name, started_at, completed_at, success
		 FROM workflow_runs WHERE workflow_name = ?
		 ORDER BY started_at ASC, id ASC`,
		workflowName,
	)
}

func (h *SQLiteHistory) GetAll(ctx context.Context) (map[string][]*api.ExecutionRecord, error) {
	if err := h.ensureSchema(ctx); err != nil {
		return nil, err
	}
	recs, err := h.queryRuns(ctx,
		`SELECT id, uid, workflow_name, started_at, completed_at, success
		 FROM workflow_runs ORDER BY started_at ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*api.ExecutionRecord)
	for _, rec := range recs {
		out[rec.WorkflowName] = append(out[rec.WorkflowName], rec)
	}
	return out, nil
}

func (h *SQLiteHistory) GetRecent(ctx context.Context, limit int) ([]*api.ExecutionRecord, error) {
	if err := h.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return h.queryRuns(ctx,
		`SELECT id, uid, workflow_name, started_at, completed_at, success
		 FROM workflow_runs ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
}

func (h *SQLiteHistory) queryRuns(ctx context.Context, query string, args ...any) ([]*api.ExecutionRecord, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow runs: %w", err)
	}
	defer rows.Close()

	type runRow struct {
		id  int64
		rec *api.ExecutionRecord
	}
	var runs []runRow

	for rows.Next() {
		var (
			id          int64
			uid, name   string
			startedAt   string
			completedAt sql.NullString
			success     int
		)
		if err := rows.Scan(&id, &uid, &name, &startedAt, &completedAt, &success); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		started, err := parseTime(startedAt)
		if err != nil {
			return nil, err
		}
		rec := &api.ExecutionRecord{
			ID:           uid,
			WorkflowName: name,
			StartedAt:    started,
			Success:      success != 0,
		}
		if completedAt.Valid {
			completed, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			rec.CompletedAt = completed
		}
		runs = append(runs, runRow{id: id, rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow runs: %w", err)
	}

	for _, run := range runs {
		steps, err := h.loadSteps(ctx, run.id)
		if err != nil {
			return nil, err
		}
		run.rec.Steps = steps
	}

	out := make([]*api.ExecutionRecord, len(runs))
	for i, run := range runs {
		out[i] = run.rec
	}
	return out, nil
}

func (h *SQLiteHistory) loadSteps(ctx context.Context, runID int64) ([]api.StepRecord, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT step_kind, service, success, skipped, duration_ms, error, attempts
		 FROM step_runs WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step runs: %w", err)
	}
	defer rows.Close()

	var steps []api.StepRecord
	for rows.Next() {
		var (
			step       api.StepRecord
			success    int
			skipped    int
			durationMS sql.NullFloat64
			errText    sql.NullString
		)
		if err := rows.Scan(&step.Kind, &step.Service, &success, &skipped, &durationMS, &errText, &step.Attempts); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		step.Success = success != 0
		step.Skipped = skipped != 0
		if durationMS.Valid {
			step.Duration = time.Duration(durationMS.Float64 * float64(time.Millisecond))
		}
		if errText.Valid {
			step.Error = errText.String
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step runs: %w", err)
	}
	return steps, nil
}

// sqliteTimeFormat keeps the fractional seconds fixed-width so lexicographic
// TEXT ordering matches chronological order. RFC3339Nano strips trailing
// zeros, which makes "…00.5Z" sort after "…00.511Z".
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
