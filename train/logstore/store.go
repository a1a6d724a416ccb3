// Package logstore persists training log records in a SQLite database.
package logstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/inference-sim/retriever-train/train/logstore/migrations"
)

// FileName is the database file created inside a work directory.
const FileName = "log.db"

// ErrRunNotFound is returned when a run id has no row in the store.
var ErrRunNotFound = errors.New("run not found")

// Run describes one invocation of the training entry point.
type Run struct {
	ID        string
	WorkDir   string
	Config    string
	StartedAt time.Time
}

// Record is one logged set of averaged variables.
type Record struct {
	RunID   string
	Mode    string
	Epoch   int
	Iter    int
	LR      float64
	Vars    map[string]float64
	Created time.Time
}

// Store is a SQLite-backed log store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the log database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log store directory: %w", err)
	}
	dbPath := filepath.Join(dir, FileName)

	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

// StartRun inserts a run row. Starting the same run id twice keeps the first row,
// so a resumed run appends to its original history.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, work_dir, config, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.WorkDir, run.Config, run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with the given id, or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var started int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, work_dir, config, started_at FROM runs WHERE id = ?", id,
	).Scan(&run.ID, &run.WorkDir, &run.Config, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	run.StartedAt = time.Unix(0, started)
	return &run, nil
}

// Append stores one record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	vars, err := json.Marshal(rec.Vars)
	if err != nil {
		return fmt.Errorf("marshalling vars: %w", err)
	}
	if rec.Created.IsZero() {
		rec.Created = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (run_id, mode, epoch, iter, lr, vars, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Mode, rec.Epoch, rec.Iter, rec.LR, string(vars), rec.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// Records returns the records of a run in insertion order.
func (s *Store) Records(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, epoch, iter, lr, vars, created_at
		FROM records WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var vars string
		var created int64
		if err := rows.Scan(&rec.RunID, &rec.Mode, &rec.Epoch, &rec.Iter, &rec.LR, &vars, &created); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if err := json.Unmarshal([]byte(vars), &rec.Vars); err != nil {
			return nil, fmt.Errorf("unmarshalling vars: %w", err)
		}
		rec.Created = time.Unix(0, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
