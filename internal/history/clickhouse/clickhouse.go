package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/scripthost/internal/history"
)

// DefaultTable receives events when no table is configured.
const DefaultTable = "job_history"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options selects the server and table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if !identRe.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			occurred_at DateTime64(6),
			event LowCardinality(String),
			job_key String,
			owner_id Int64,
			content_hash String,
			file_name String,
			status LowCardinality(String),
			pid Int32,
			crash_count Int32,
			detail String
		) ENGINE = MergeTree()
		ORDER BY (job_key, occurred_at)`, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := history.Flatten(e)
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, job_key, owner_id, content_hash, file_name, status, pid, crash_count, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		r.OccurredAt, r.Event, r.JobKey, r.OwnerID, r.Hash, r.FileName, r.Status,
		int32(r.PID), int32(r.CrashCount), r.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
