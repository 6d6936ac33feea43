package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestWriters_WithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	outW, errW, err := Config{Dir: dir}.Writers()
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)

	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	require.NoError(t, outW.Close())
	require.NoError(t, errW.Close())

	b, err := os.ReadFile(filepath.Join(dir, "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello-out\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello-err\n", string(b))
}

func TestWriters_ExplicitPathsAndDefaults(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	outW, errW, err := Config{StdoutPath: sp}.Writers()
	require.NoError(t, err)
	require.NotNil(t, outW)
	assert.Nil(t, errW)

	l, ok := outW.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, sp, l.Filename)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestWriters_Disabled(t *testing.T) {
	outW, errW, err := Config{}.Writers()
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestWithDir_DropsExplicitPaths(t *testing.T) {
	c := Config{StdoutPath: "/x/o", StderrPath: "/x/e", MaxSizeMB: 5}.WithDir("/jobs/a/logs")
	assert.Equal(t, "/jobs/a/logs", c.Dir)
	assert.Empty(t, c.StdoutPath)
	assert.Empty(t, c.StderrPath)
	assert.Equal(t, 5, c.MaxSizeMB)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"": slog.LevelInfo, "debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mgr", "scripthost.log")
	off := false
	log, closer, err := newLogger(nil, Options{Level: "debug", Color: &off, File: Config{StdoutPath: path}})
	require.NoError(t, err)
	log.Debug("hello", "job", "1_abc")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "msg=hello")
	assert.Contains(t, string(b), "job=1_abc")
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	slog.New(h).With("k", "v").Warn("careful")
	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "careful")
	assert.Contains(t, out, "k=v")
	assert.False(t, strings.Contains(out, "time="))
}
