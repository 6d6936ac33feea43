package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scripthost/internal/history/clickhouse"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want Target
		err  bool
	}{
		{name: "empty", dsn: "  ", err: true},
		{name: "unknown scheme", dsn: "invalid://x", err: true},
		{name: "sqlite file", dsn: "sqlite:///tmp/h.db", want: Target{Kind: KindSQLite, DSN: "sqlite:///tmp/h.db"}},
		{name: "bare path", dsn: "/var/lib/h.db", want: Target{Kind: KindSQLite, DSN: "/var/lib/h.db"}},
		{name: "postgres", dsn: "postgres://u:p@db:5432/x?sslmode=disable", want: Target{Kind: KindPostgres, DSN: "postgres://u:p@db:5432/x?sslmode=disable"}},
		{name: "postgresql", dsn: "postgresql://db/x", want: Target{Kind: KindPostgres, DSN: "postgresql://db/x"}},
		{
			name: "clickhouse full",
			dsn:  "clickhouse://alice:secret@ch:9000/analytics?table=events",
			want: Target{Kind: KindClickHouse, ClickHouse: clickhouse.Options{
				Addr: "ch:9000", Database: "analytics", Username: "alice", Password: "secret", Table: "events",
			}},
		},
		{
			name: "clickhouse defaults",
			dsn:  "clickhouse://",
			want: Target{Kind: KindClickHouse, ClickHouse: clickhouse.Options{Addr: "localhost:9000", Table: clickhouse.DefaultTable}},
		},
		{name: "opensearch", dsn: "opensearch://os:9200/jobs", want: Target{Kind: KindOpenSearch, BaseURL: "http://os:9200", Index: "jobs"}},
		{name: "elasticsearch tls", dsn: "elasticsearch://es:9200?tls=true", want: Target{Kind: KindOpenSearch, BaseURL: "https://es:9200", Index: "scripthost-history"}},
		{name: "opensearch no host", dsn: "opensearch:///idx", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDSN(tt.dsn)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s, err := NewSinkFromDSN(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	c, ok := s.(interface{ Close() error })
	require.True(t, ok)
	assert.NoError(t, c.Close())
}

func TestNewSinks_ClosesOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	_, err := NewSinks(context.Background(), []string{"sqlite://" + path, "bogus://x"})
	assert.ErrorContains(t, err, "bogus://x")

	sinks, err := NewSinks(context.Background(), []string{"sqlite://" + path, "opensearch://localhost:9200/x"})
	require.NoError(t, err)
	assert.Len(t, sinks, 2)
}
