package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scripthost/internal/job"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestRecorderFansOutDespiteFailures(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	r := NewRecorder(nil, bad, good)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	rec := job.New(job.Key{OwnerID: 5, Hash: "0123456789abcdef"}, "bot.py", fixed)
	r.Record(context.Background(), EventSubmit, rec, "uploaded")

	require.Len(t, good.events, 1)
	require.Len(t, bad.events, 1)
	e := good.events[0]
	assert.Equal(t, EventSubmit, e.Type)
	assert.Equal(t, fixed, e.OccurredAt)
	assert.Equal(t, "uploaded", e.Detail)
	assert.Equal(t, rec.Key(), e.Record.Key())

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), EventStart, job.Record{}, "")
	assert.NoError(t, r.Close())
}

func TestRecorderIgnoresCallerCancellation(t *testing.T) {
	s := &memSink{}
	r := NewRecorder(nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, EventStop, job.Record{OwnerID: 1, Hash: "0123456789abcdef"}, "")
	assert.Len(t, s.events, 1)
}

func TestFlatten(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	rec := job.Record{OwnerID: 9, Hash: "aaaaaaaaaaaaaaaa", FileName: "b.py", Status: job.StatusRunning, PID: 77, CrashCount: 2}
	row := Flatten(Event{Type: EventCrash, OccurredAt: at, Record: rec, Detail: "gone"})
	assert.Equal(t, Row{
		OccurredAt: at.UTC(),
		Event:      "crash",
		JobKey:     "9_aaaaaaaaaaaaaaaa",
		OwnerID:    9,
		Hash:       "aaaaaaaaaaaaaaaa",
		FileName:   "b.py",
		Status:     "running",
		PID:        77,
		CrashCount: 2,
		Detail:     "gone",
	}, row)
}
