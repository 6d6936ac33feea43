package scripthost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scripthost/internal/channel"
)

type memSink struct {
	mu     sync.Mutex
	events []HistoryEvent
}

func (s *memSink) Send(_ context.Context, e HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "scripthost.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestOpenSubmitAndClose(t *testing.T) {
	path := writeConfig(t, `data_dir = "data"`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.History.Sinks = []string{"sqlite://" + filepath.Join(filepath.Dir(path), "history.db")}

	sink := &memSink{}
	ctx := context.Background()
	m, err := Open(ctx, cfg, nil, sink)
	require.NoError(t, err)

	rec, msg, err := m.Submit(ctx, 7, []byte("print('hi')\n"), "hello.py")
	require.NoError(t, err)
	assert.Equal(t, "uploaded", msg)
	assert.Equal(t, StatusStopped, rec.Status)

	jobs, err := m.List(ctx, 7)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "hello.py", jobs[0].FileName)

	require.NoError(t, m.Close(ctx))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.EqualValues(t, "submit", sink.events[0].Type)
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "data", "jobs.json"))
}

func TestOpenBadHistorySink(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `data_dir = "data"`))
	require.NoError(t, err)
	cfg.History.Sinks = []string{"opensearch://"}
	_, err = Open(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestServeOverChannel(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `data_dir = "data"`))
	require.NoError(t, err)
	ctx := context.Background()
	m, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = m.Close(ctx) }()

	events := []Event{
		channel.Submission(3, "a.py", []byte("print(1)\n")),
		channel.Listing(3),
	}
	src := &sliceSource{events: events}
	var mu sync.Mutex
	var replies []Reply
	sink := channel.SinkFunc(func(_ context.Context, r Reply) error {
		mu.Lock()
		defer mu.Unlock()
		replies = append(replies, r)
		return nil
	})
	// one at a time so the listing sees the upload
	require.NoError(t, channel.Serve(ctx, src, sink, m, 1, nil))
	require.Len(t, replies, 2)
	assert.Equal(t, channel.OutcomeOK, replies[0].Outcome)
	require.Len(t, replies[1].Jobs, 1)
	assert.Equal(t, "a.py", replies[1].Jobs[0].FileName)
}

type sliceSource struct {
	events []Event
}

func (s *sliceSource) Next(ctx context.Context) (Event, error) {
	if len(s.events) == 0 {
		return Event{}, context.Canceled
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func TestMetricsServer(t *testing.T) {
	require.NoError(t, RegisterMetricsDefault())
	require.NoError(t, RegisterMetricsDefault())

	srv := NewMetricsServer("127.0.0.1:0")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "scripthost_")

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
