package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/job"
)

func TestNew_RejectsBadTable(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:1", Table: "x; DROP TABLE y"})
	assert.Error(t, err)
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ch, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := ch.Terminate(ctx); err != nil {
			t.Errorf("terminate container: %v", err)
		}
	}()

	host, err := ch.Host(ctx)
	require.NoError(t, err)
	port, err := ch.MappedPort(ctx, "9000")
	require.NoError(t, err)

	sink, err := New(ctx, Options{Addr: host + ":" + port.Port(), Table: "job_history_test"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := job.New(job.Key{OwnerID: 2, Hash: "00112233aabbccdd"}, "bot.py", time.Now().UTC())
	for _, et := range []history.EventType{history.EventSubmit, history.EventStart, history.EventStop} {
		require.NoError(t, sink.Send(ctx, history.Event{Type: et, OccurredAt: time.Now(), Record: rec}))
	}

	var n uint64
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT count() FROM job_history_test WHERE job_key = ?", rec.Key().String()).Scan(&n))
	assert.Equal(t, uint64(3), n)
}
