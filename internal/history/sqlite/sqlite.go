package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/scripthost/internal/history"
)

// Sink appends history events to a SQLite table job_history.
type Sink struct {
	db *sql.DB
}

// New opens a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			job_key TEXT NOT NULL,
			owner_id INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			file_name TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL,
			crash_count INTEGER NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_key ON job_history(job_key);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := history.Flatten(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_history(occurred_at, event, job_key, owner_id, content_hash, file_name, status, pid, crash_count, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.OccurredAt, r.Event, r.JobKey, r.OwnerID, r.Hash, r.FileName, r.Status, r.PID, r.CrashCount, nullable(r.Detail))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
