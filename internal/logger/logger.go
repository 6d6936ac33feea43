package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where a job's child output goes.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/stdout.log and Dir/stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for logs
	StdoutPath string // explicit stdout path overrides Dir
	StderrPath string // explicit stderr path overrides Dir
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// WithDir returns a copy of c writing into dir. Explicit paths are dropped
// so that every job gets its own files.
func (c Config) WithDir(dir string) Config {
	c.Dir = dir
	c.StdoutPath = ""
	c.StderrPath = ""
	return c
}

// Writers returns rotating writers for a child's stdout and stderr.
// A nil writer means the stream is discarded.
func (c Config) Writers() (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, "stdout.log")
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, "stderr.log")
	}
	for _, p := range []string{stdout, stderr} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Options configures the manager's own logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Color  *bool  // nil: detect TTY
	File   Config // StdoutPath is used as the log file when set
}

// New builds the manager logger. Output goes to console and, when
// File.StdoutPath is set, to a rotating file as well.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	return newLogger(os.Stderr, opts)
}

func newLogger(console *os.File, opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}

	color := false
	if opts.Color != nil {
		color = *opts.Color
	} else if console != nil {
		color = isatty.IsTerminal(console.Fd()) || isatty.IsCygwinTerminal(console.Fd())
	}

	var consoleW io.Writer = io.Discard
	if console != nil {
		consoleW = console
	}

	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}
	switch {
	case strings.EqualFold(opts.Format, "json"):
		handlers = append(handlers, slog.NewJSONHandler(consoleW, hopts))
	case color:
		handlers = append(handlers, NewColorTextHandler(consoleW, hopts, true))
	default:
		handlers = append(handlers, slog.NewTextHandler(consoleW, hopts))
	}

	if opts.File.StdoutPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File.StdoutPath), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := opts.File.rotating(opts.File.StdoutPath)
		closer = fw
		if strings.EqualFold(opts.Format, "json") {
			handlers = append(handlers, slog.NewJSONHandler(fw, hopts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(fw, hopts))
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanout(handlers)), closer, nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
