// Package history keeps a queryable index of dispatch and patch runs.
// Only summaries are stored; credentials never reach the database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Kind distinguishes run types.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindPatch    Kind = "patch"
)

// Run is one recorded invocation.
type Run struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Host      string        `json:"host"`
	Username  string        `json:"username"`
	Transport string        `json:"transport,omitempty"`
	Command   string        `json:"command,omitempty"`
	Status    string        `json:"status"`
	Summary   string        `json:"summary,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind  Kind
	Host  string
	Limit int
}

// ErrNotFound is returned by Get for an unknown ID.
var ErrNotFound = errors.New("run not found")

// Store persists runs in sqlite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under fan-out
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history pragma: %w", err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			host TEXT NOT NULL,
			username TEXT NOT NULL,
			transport TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_host_started ON runs(host, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_kind_started ON runs(kind, started_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts a run. Safe on a nil receiver.
func (s *Store) Record(ctx context.Context, r Run) error {
	if s == nil {
		return nil
	}
	if r.ID == "" {
		return errors.New("run id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, host, username, transport, command, status, summary, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Host, r.Username, r.Transport, r.Command, r.Status, r.Summary,
		r.StartedAt.UnixMilli(), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// Get returns one run by ID.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, host, username, transport, command, status, summary, started_at, duration_ms
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	query := `SELECT id, kind, host, username, transport, command, status, summary, started_at, duration_ms
		FROM runs WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Host != "" {
		query += ` AND host = ?`
		args = append(args, f.Host)
	}
	query += ` ORDER BY started_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r          Run
		kind       string
		startedMs  int64
		durationMs int64
	)
	if err := sc.Scan(&r.ID, &kind, &r.Host, &r.Username, &r.Transport, &r.Command,
		&r.Status, &r.Summary, &startedMs, &durationMs); err != nil {
		return Run{}, err
	}
	r.Kind = Kind(kind)
	r.StartedAt = time.UnixMilli(startedMs).UTC()
	r.Duration = time.Duration(durationMs) * time.Millisecond
	return r, nil
}

// Close closes the database. Safe on a nil receiver.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
