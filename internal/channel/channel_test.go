package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/manager"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type fakeCore struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCore) note(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeCore) Submit(_ context.Context, owner int64, payload []byte, name string) (job.Record, string, error) {
	f.note("submit " + name)
	if name == "dup.py" {
		return job.New(job.Key{OwnerID: owner, Hash: job.ContentHash(payload)}, name, time.Time{}), manager.MsgAlreadyUploaded, nil
	}
	if len(payload) == 0 {
		return job.Record{}, "", job.Errorf(job.ErrInvalid, "submit", "empty script")
	}
	return job.New(job.Key{OwnerID: owner, Hash: job.ContentHash(payload)}, name, time.Time{}), manager.MsgUploaded, nil
}

func (f *fakeCore) Do(_ context.Context, _ int64, hash string, a manager.Action) (string, error) {
	f.note(a.String() + " " + hash)
	switch hash {
	case "running":
		return "", job.Errorf(job.ErrAlreadyInState, "start", "already running")
	case "broken":
		return "", job.Errorf(job.ErrProvisioning, "start", "failed to install dependencies: boom")
	}
	return "started (PID 7)", nil
}

func (f *fakeCore) Query(_ context.Context, owner int64, hash string) (manager.View, error) {
	f.note("query " + hash)
	if hash == "missing" {
		return manager.View{}, job.Errorf(job.ErrNotFound, "lookup", "job not found")
	}
	now := time.Now()
	rec := job.New(job.Key{OwnerID: owner, Hash: hash}, "demo.py", now)
	rec.Status = job.StatusRunning
	rec.PID = 99
	rec.StartedAt = &now
	return manager.View{Record: rec, Uptime: "0h 0m 5s", Actions: manager.AvailableActions(rec.Status)}, nil
}

func (f *fakeCore) List(_ context.Context, owner int64) ([]manager.Summary, error) {
	f.note("list")
	if owner == 0 {
		return []manager.Summary{}, nil
	}
	return []manager.Summary{
		{Hash: "aaaaaaaaaaaaaaaa", FileName: "a.py", Status: job.StatusRunning, Icon: job.StatusRunning.Icon()},
		{Hash: "bbbbbbbbbbbbbbbb", FileName: "b.py", Status: job.StatusCrashed, Icon: job.StatusCrashed.Icon()},
	}, nil
}

func TestDispatchSubmit(t *testing.T) {
	core := &fakeCore{}
	ev := Submission(42, "demo.py", []byte("print(1)"))
	require.NotEmpty(t, ev.ID)

	r := Dispatch(context.Background(), core, ev)
	assert.Equal(t, ev.ID, r.EventID)
	assert.Equal(t, OutcomeOK, r.Outcome)
	require.NotNil(t, r.Record)
	assert.Equal(t, "demo.py", r.Record.FileName)
	assert.Contains(t, r.String(), "✅ Uploaded: demo.py")

	r = Dispatch(context.Background(), core, Submission(42, "dup.py", []byte("x")))
	assert.Equal(t, OutcomeInfo, r.Outcome)
	assert.Contains(t, r.String(), "ℹ️ Already uploaded")

	r = Dispatch(context.Background(), core, Submission(42, "empty.py", nil))
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, "❌ Empty script", r.String())
	assert.ErrorIs(t, r.Err, job.ErrInvalid)
}

func TestDispatchAction(t *testing.T) {
	core := &fakeCore{}
	r := Dispatch(context.Background(), core, Command(1, "ok", manager.ActionStart))
	assert.Equal(t, "✅ Started (PID 7)", r.String())

	r = Dispatch(context.Background(), core, Command(1, "running", manager.ActionStart))
	assert.Equal(t, OutcomeInfo, r.Outcome)
	assert.Equal(t, "ℹ️ Already running", r.String())

	r = Dispatch(context.Background(), core, Command(1, "broken", manager.ActionStart))
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.Equal(t, "❌ Failed to install dependencies: boom", r.String())
}

func TestDispatchQueryAndList(t *testing.T) {
	core := &fakeCore{}
	r := Dispatch(context.Background(), core, Status(1, "abc"))
	require.NotNil(t, r.View)
	assert.Contains(t, r.Text, "🤖 demo.py")
	assert.Contains(t, r.Text, "Status: 🟢 running")
	assert.Contains(t, r.Text, "Uptime: 0h 0m 5s")
	assert.Contains(t, r.Text, "PID: 99")
	assert.Contains(t, r.Text, "Actions: stop, restart, delete")

	r = Dispatch(context.Background(), core, Status(1, "missing"))
	assert.Equal(t, "❌ Job not found", r.String())

	r = Dispatch(context.Background(), core, Listing(1))
	assert.Len(t, r.Jobs, 2)
	assert.Equal(t, "📋 Your hosted jobs\n🟢 a.py (aaaaaaaaaaaaaaaa)\n🔴 b.py (bbbbbbbbbbbbbbbb)", r.Text)

	r = Dispatch(context.Background(), core, Listing(0))
	assert.Equal(t, "You have no jobs.", r.Text)
}

func TestDispatchUnknownKind(t *testing.T) {
	r := Dispatch(context.Background(), &fakeCore{}, Event{ID: "x", Kind: Kind(99)})
	assert.Equal(t, OutcomeError, r.Outcome)
	assert.ErrorIs(t, r.Err, job.ErrInvalid)
}

type sliceSource struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if len(s.events) == 0 {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type collector struct {
	mu      sync.Mutex
	replies map[string]Reply
}

func (c *collector) Deliver(_ context.Context, r Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replies == nil {
		c.replies = map[string]Reply{}
	}
	c.replies[r.EventID] = r
	return nil
}

func TestServeDeliversEveryReply(t *testing.T) {
	evs := []Event{
		Submission(1, "a.py", []byte("a")),
		Command(1, "ok", manager.ActionStop),
		Status(1, "abc"),
		Listing(1),
	}
	src := &sliceSource{events: append([]Event(nil), evs...)}
	sink := &collector{}
	require.NoError(t, Serve(context.Background(), src, sink, &fakeCore{}, 2, nil))

	require.Len(t, sink.replies, len(evs))
	for _, ev := range evs {
		r, ok := sink.replies[ev.ID]
		require.True(t, ok, ev.Kind.String())
		assert.Equal(t, ev.Kind, r.Kind)
	}
}

func TestServeReturnsSourceError(t *testing.T) {
	boom := errors.New("boom")
	src := &sliceSource{events: []Event{Listing(1)}, err: boom}
	sink := &collector{}
	err := Serve(context.Background(), src, sink, &fakeCore{}, 0, nil)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, sink.replies, 1)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &sliceSource{events: []Event{Listing(1)}}
	assert.NoError(t, Serve(ctx, src, SinkFunc(func(context.Context, Reply) error { return nil }), &fakeCore{}, 1, nil))
}

func TestKindAndOutcomeText(t *testing.T) {
	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("query")))
	assert.Equal(t, KindQuery, k)
	assert.Error(t, k.UnmarshalText([]byte("nope")))

	var o Outcome
	require.NoError(t, o.UnmarshalText([]byte("info")))
	assert.Equal(t, OutcomeInfo, o)
	assert.Equal(t, "❌", OutcomeError.Icon())
}
