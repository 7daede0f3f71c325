package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/dsctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID is not in the journal.
var ErrRunNotFound = errors.New("run not found")

// SQLiteJournal implements Journal on a SQLite file.
type SQLiteJournal struct {
	db     *sql.DB
	config Config
}

var _ Journal = (*SQLiteJournal)(nil)

// Config holds SQLite journal configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// NewSQLiteJournal creates a journal. Call Init and Migrate before use.
func NewSQLiteJournal(cfg Config) (*SQLiteJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteJournal{config: cfg}, nil
}

// Open creates, initializes and migrates a journal in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteJournal, error) {
	j, err := NewSQLiteJournal(cfg)
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Init opens the database in WAL mode with foreign keys enabled.
func (s *SQLiteJournal) Init(ctx context.Context) error {
	if dir := filepath.Dir(s.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite",
		s.config.Path, s.config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxOpenConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteJournal) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteJournal) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordTransition appends a transition. The run row is created on the
// first transition so an interrupted execution still leaves a trace.
func (s *SQLiteJournal) RecordTransition(ctx context.Context, t engine.Transition) error {
	var fields *string
	if len(t.Fields) > 0 {
		data, err := json.Marshal(t.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode transition fields: %w", err)
		}
		str := string(data)
		fields = &str
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, intent, stage, started_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		t.RunID, string(t.Intent), string(t.Stage), t.At.UTC(),
	); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (run_id, stage, severity, message, at, elapsed_ms, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, string(t.Stage), string(t.Severity), t.Message, t.At.UTC(), t.Elapsed.Milliseconds(), fields,
	); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	return tx.Commit()
}

// RecordResult stores the outcome of a run and replaces its findings.
func (s *SQLiteJournal) RecordResult(ctx context.Context, r *engine.Result) error {
	if r == nil {
		return nil
	}

	req, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var errMsg *string
	if r.Error != "" {
		errMsg = &r.Error
	}
	var verdict string
	if r.State != nil {
		verdict = string(r.State.Verdict)
	}
	finished := r.StartedAt.Add(r.Duration).UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, intent, cluster, target, dry_run, outcome, stage, verdict, error, request, started_at, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			intent = excluded.intent,
			cluster = excluded.cluster,
			target = excluded.target,
			dry_run = excluded.dry_run,
			outcome = excluded.outcome,
			stage = excluded.stage,
			verdict = excluded.verdict,
			error = excluded.error,
			request = excluded.request,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at`,
		r.RunID,
		string(r.Request.Intent),
		r.Request.Cluster,
		r.Request.Target(),
		r.Request.DryRun,
		string(r.Outcome),
		string(r.Stage),
		verdict,
		errMsg,
		string(req),
		r.StartedAt.UTC(),
		r.Duration.Milliseconds(),
		finished,
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE run_id = ?`, r.RunID); err != nil {
		return fmt.Errorf("failed to clear findings: %w", err)
	}
	for _, f := range r.Findings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO findings (run_id, category, severity, entity, cluster, detail)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, string(f.Category), string(f.Severity), f.Entity, f.Cluster, f.Detail,
		); err != nil {
			return fmt.Errorf("failed to record finding: %w", err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, intent, cluster, target, dry_run, outcome, stage, verdict, error, request, started_at, duration_ms, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var durationMs int64
	err := row.Scan(
		&run.ID,
		&run.Intent,
		&run.Cluster,
		&run.Target,
		&run.DryRun,
		&run.Outcome,
		&run.Stage,
		&run.Verdict,
		&run.Error,
		&run.Request,
		&run.StartedAt,
		&durationMs,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteJournal) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteJournal) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, string(filter.Intent))
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListTransitions returns the transitions of a run in emission order.
func (s *SQLiteJournal) ListTransitions(ctx context.Context, runID string) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stage, severity, message, at, elapsed_ms, fields
		FROM transitions
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*Transition{}
	for rows.Next() {
		t := &Transition{}
		var elapsedMs int64
		if err := rows.Scan(&t.ID, &t.RunID, &t.Stage, &t.Severity, &t.Message, &t.At, &elapsedMs, &t.Fields); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		transitions = append(transitions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// ListFindings returns the findings of a run.
func (s *SQLiteJournal) ListFindings(ctx context.Context, runID string) ([]*Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, category, severity, entity, cluster, detail
		FROM findings
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	findings := []*Finding{}
	for rows.Next() {
		f := &Finding{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.Category, &f.Severity, &f.Entity, &f.Cluster, &f.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating findings: %w", err)
	}

	return findings, nil
}

// Prune deletes runs started before the given time, with their transitions
// and findings. It returns the number of runs deleted.
// Times are stored in UTC so that text comparison orders them.
func (s *SQLiteJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}
