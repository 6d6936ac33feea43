package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/scripthost/internal/channel"
	"github.com/loykin/scripthost/internal/manager"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func openSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(Options{Dir: t.TempDir(), Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// drop writes name under the owner dir atomically.
func drop(t *testing.T, s *Spool, owner, name string, data []byte) string {
	t.Helper()
	dir := filepath.Join(s.Inbox(), owner)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	tmp := filepath.Join(dir, "."+name+".tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	final := filepath.Join(dir, name)
	require.NoError(t, os.Rename(tmp, final))
	return final
}

func next(t *testing.T, s *Spool) channel.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestSubmitFileIsConsumed(t *testing.T) {
	s := openSpool(t)
	path := drop(t, s, "42", "demo.py", []byte("print(1)"))

	ev := next(t, s)
	assert.Equal(t, channel.KindSubmit, ev.Kind)
	assert.Equal(t, int64(42), ev.Owner)
	assert.Equal(t, "demo.py", ev.FileName)
	assert.Equal(t, []byte("print(1)"), ev.Payload)
	assert.NotEmpty(t, ev.ID)
	assert.NoFileExists(t, path)
}

func TestMarkers(t *testing.T) {
	s := openSpool(t)
	drop(t, s, "7", "0123456789abcdef.restart", nil)
	ev := next(t, s)
	assert.Equal(t, channel.KindAction, ev.Kind)
	assert.Equal(t, manager.ActionRestart, ev.Action)
	assert.Equal(t, "0123456789abcdef", ev.Hash)

	drop(t, s, "7", "0123456789abcdef.status", nil)
	ev = next(t, s)
	assert.Equal(t, channel.KindQuery, ev.Kind)

	drop(t, s, "7", "list", nil)
	ev = next(t, s)
	assert.Equal(t, channel.KindList, ev.Kind)
	assert.Equal(t, int64(7), ev.Owner)
}

func TestIgnoresInvalidNames(t *testing.T) {
	s := openSpool(t)
	bogus := drop(t, s, "7", "0123456789abcdef.explode", nil)
	drop(t, s, "7", "0123456789abcdef.stop", nil)

	ev := next(t, s)
	assert.Equal(t, manager.ActionStop, ev.Action)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(bogus)
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond, "unknown action markers are discarded")
}

func TestPicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	owner := filepath.Join(dir, InboxDirName, "5")
	require.NoError(t, os.MkdirAll(owner, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(owner, "early.py"), []byte("x = 1"), 0o600))

	s, err := Open(Options{Dir: dir, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ev := next(t, s)
	assert.Equal(t, "early.py", ev.FileName)
	assert.Equal(t, int64(5), ev.Owner)
}

func TestDeliverAppendsJSONLines(t *testing.T) {
	s := openSpool(t)
	r1 := channel.Reply{EventID: "one", Kind: channel.KindAction, Owner: 1, Text: "Stopped"}
	r2 := channel.Reply{EventID: "two", Kind: channel.KindAction, Owner: 1, Outcome: channel.OutcomeInfo, Text: "Not running"}
	require.NoError(t, s.Deliver(context.Background(), r1))
	require.NoError(t, s.Deliver(context.Background(), r2))

	f, err := os.Open(s.Outbox())
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "one", lines[0]["event_id"])
	assert.Equal(t, "✅ Stopped", lines[0]["status"])
	assert.Equal(t, "info", lines[1]["outcome"])
	assert.Equal(t, "ℹ️ Not running", lines[1]["status"])
}

func TestCloseEndsNext(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
