package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/clusterrun/pkg/schema"
)

// LibSQLStore implements Journal and Reader on an embedded libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

var (
	_ Journal = (*LibSQLStore)(nil)
	_ Reader  = (*LibSQLStore)(nil)
)

// NewLibSQLStore opens a libSQL database. dsn is a file URI, e.g. "file:/path/to/journal.db".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

// Open creates the parent directory of path, opens the journal there and
// applies migrations.
func Open(ctx context.Context, path string) (*LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create journal directory for %s: %v", path, err).WithCause(err)
	}
	s, err := NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open journal %s: %v", path, err).WithCause(err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore, "migrate journal %s: %v", path, err).WithCause(err)
	}
	return s, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

const runColumns = `id, workflow, status, params, hosts, local_node, dry_run, step, statefile, workdir, error, created_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	hosts, err := json.Marshal(run.Hosts)
	if err != nil {
		return fmt.Errorf("marshal hosts: %w", err)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workflow, string(run.Status), nullRaw(run.Params), string(hosts),
		nullStr(run.LocalNode), run.DryRun, nullStr(run.Step), nullStr(run.Statefile),
		nullStr(run.Workdir), nullStr(run.Error), run.CreatedAt, nullTime(run.CompletedAt), run.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Workdir != nil {
		sets = append(sets, "workdir = ?")
		args = append(args, *update.Workdir)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var (
		status                                        string
		params, hosts, local, step, statefile, wd, eM sql.NullString
		completedAt                                   sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Workflow, &status, &params, &hosts, &local, &r.DryRun,
		&step, &statefile, &wd, &eM, &r.CreatedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.Params = rawOrNil(params)
	if hosts.Valid && hosts.String != "" {
		_ = json.Unmarshal([]byte(hosts.String), &r.Hosts)
	}
	r.LocalNode = local.String
	r.Step = step.String
	r.Statefile = statefile.String
	r.Workdir = wd.String
	r.Error = eM.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-run sequence and inserts the event in one
// transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, host, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), nullStr(event.Host), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns the events of a run with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, host, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, host, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &host, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Host = host.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step State ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, st *StepState) error {
	var failed any
	if len(st.FailedHosts) > 0 {
		b, err := json.Marshal(st.FailedHosts)
		if err != nil {
			return fmt.Errorf("marshal failed hosts: %w", err)
		}
		failed = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_state (run_id, step, position, kind, status, failed_hosts, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO UPDATE SET
		   position=excluded.position, kind=excluded.kind, status=excluded.status,
		   failed_hosts=excluded.failed_hosts, error=excluded.error,
		   started_at=COALESCE(excluded.started_at, step_state.started_at),
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		st.RunID, st.Step, st.Position, st.Kind, string(st.Status), failed, nullStr(st.Error),
		nullTime(st.StartedAt), nullTime(st.CompletedAt), st.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step, position, kind, status, failed_hosts, error, started_at, completed_at, duration_ms
		 FROM step_state WHERE run_id = ? ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss := &StepState{}
		var status string
		var failed, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ss.RunID, &ss.Step, &ss.Position, &ss.Kind, &status, &failed, &errMsg,
			&startedAt, &completedAt, &ss.DurationMs); err != nil {
			return nil, err
		}
		ss.Status = schema.StepStatus(status)
		if failed.Valid && failed.String != "" {
			_ = json.Unmarshal([]byte(failed.String), &ss.FailedHosts)
		}
		ss.Error = errMsg.String
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, entries, step, record, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, entries) DO UPDATE SET step=excluded.step, record=excluded.record, created_at=excluded.created_at`,
		snap.RunID, snap.Entries, snap.Step, string(snap.Record), snap.CreatedAt,
	)
	return err
}

// LatestSnapshot returns the snapshot with the most entries for a run.
func (s *LibSQLStore) LatestSnapshot(ctx context.Context, runID string) (*Snapshot, error) {
	snap := &Snapshot{}
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, entries, step, record, created_at FROM snapshots
		 WHERE run_id = ? ORDER BY entries DESC LIMIT 1`, runID,
	).Scan(&snap.RunID, &snap.Entries, &snap.Step, &record, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", runID)
	}
	if err != nil {
		return nil, err
	}
	snap.Record = json.RawMessage(record)
	return snap, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RunError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
