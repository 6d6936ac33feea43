// Package spool is a file-drop delivery channel. Users drop files into an
// inbox directory and read replies from a JSON-lines outbox:
//
//	inbox/<owner>/<name>.py        submit the script
//	inbox/<owner>/<hash>.<action>  start, stop, restart or delete the job
//	inbox/<owner>/<hash>.status    query the job
//	inbox/<owner>/list             list the owner's jobs
//
// Every inbox file is consumed (removed) once read. Names starting with a
// dot are ignored so writers can drop a temporary file and rename it.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/scripthost/internal/channel"
	"github.com/loykin/scripthost/internal/manager"
)

// Defaults for Options.
const (
	InboxDirName    = "inbox"
	OutboxFileName  = "outbox.jsonl"
	DefaultDebounce = 100 * time.Millisecond
	// MaxPayload caps the size of a submitted script.
	MaxPayload = 4 << 20
)

// Options configures a Spool.
type Options struct {
	Dir      string // holds inbox/ and outbox.jsonl
	Debounce time.Duration
	Logger   *slog.Logger
}

// Spool is both a channel.Source and a channel.Sink.
type Spool struct {
	inbox    string
	outbox   string
	debounce time.Duration
	log      *slog.Logger
	w        *fsnotify.Watcher

	events chan channel.Event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	outMu sync.Mutex
}

// Open creates the inbox, starts watching it and queues any files already
// present.
func Open(opts Options) (*Spool, error) {
	if opts.Dir == "" {
		return nil, errors.New("spool: empty dir")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	inbox := filepath.Join(opts.Dir, InboxDirName)
	if err := os.MkdirAll(inbox, 0o750); err != nil {
		return nil, fmt.Errorf("spool: create inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("spool: watcher: %w", err)
	}
	if err := w.Add(inbox); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("spool: watch inbox: %w", err)
	}
	s := &Spool{
		inbox:    inbox,
		outbox:   filepath.Join(opts.Dir, OutboxFileName),
		debounce: opts.Debounce,
		log:      opts.Logger.With("component", "spool"),
		w:        w,
		events:   make(chan channel.Event, 16),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Inbox is the directory watched for requests.
func (s *Spool) Inbox() string { return s.inbox }

// Outbox is the JSON-lines reply file.
func (s *Spool) Outbox() string { return s.outbox }

// Next returns the next request. It returns io.EOF after Close.
func (s *Spool) Next(ctx context.Context) (channel.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return channel.Event{}, ctx.Err()
	case <-s.done:
		return channel.Event{}, io.EOF
	}
}

// Deliver appends r to the outbox as one JSON line.
func (s *Spool) Deliver(_ context.Context, r channel.Reply) error {
	line, err := json.Marshal(outboxLine{Reply: r, Status: r.String()})
	if err != nil {
		return fmt.Errorf("spool: marshal reply: %w", err)
	}
	line = append(line, '\n')

	s.outMu.Lock()
	defer s.outMu.Unlock()
	f, err := os.OpenFile(s.outbox, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("spool: open outbox: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: write outbox: %w", err)
	}
	return f.Close()
}

type outboxLine struct {
	channel.Reply
	Status string `json:"status"`
}

// Close stops watching. Pending events are dropped.
func (s *Spool) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.w.Close()
		<-s.done
	})
	return err
}

func (s *Spool) run() {
	defer close(s.done)

	pending := make(map[string]struct{})
	s.scan(s.inbox, pending)

	timer := time.NewTimer(s.debounce)
	for {
		select {
		case <-s.quit:
			timer.Stop()
			return
		case e, ok := <-s.w.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
				// a new owner directory may already hold files
				s.scan(e.Name, pending)
			} else {
				pending[e.Name] = struct{}{}
			}
			timer.Reset(s.debounce)
		case <-timer.C:
			for name := range pending {
				if !s.consume(name) {
					return
				}
			}
			pending = make(map[string]struct{})
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			s.log.Warn("watch error", "error", err)
		}
	}
}

// scan watches dir and adds the files found under it to pending.
func (s *Spool) scan(dir string, pending map[string]struct{}) {
	if dir != s.inbox {
		if err := s.w.Add(dir); err != nil {
			s.log.Warn("watch owner dir failed", "dir", dir, "error", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("scan failed", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if dir == s.inbox {
				s.scan(p, pending)
			}
			continue
		}
		pending[p] = struct{}{}
	}
}

// consume turns one inbox file into an event. It returns false when the
// spool is closing.
func (s *Spool) consume(path string) bool {
	ev, ok, err := s.parse(path)
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("ignoring inbox file", "path", path, "error", err)
		}
		return true
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("consume inbox file failed", "path", path, "error", err)
		return true
	}
	s.log.Debug("request received", "id", ev.ID, "kind", ev.Kind.String(), "owner", ev.Owner)
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// parse maps inbox/<owner>/<name> to an event. ok is false for names that
// are not requests (dot files, files outside an owner directory).
func (s *Spool) parse(path string) (channel.Event, bool, error) {
	rel, err := filepath.Rel(s.inbox, path)
	if err != nil {
		return channel.Event{}, false, err
	}
	ownerDir, name, found := strings.Cut(rel, string(filepath.Separator))
	if !found || strings.Contains(name, string(filepath.Separator)) || strings.HasPrefix(name, ".") {
		return channel.Event{}, false, nil
	}
	owner, err := strconv.ParseInt(ownerDir, 10, 64)
	if err != nil {
		return channel.Event{}, false, fmt.Errorf("owner directory %q is not numeric", ownerDir)
	}

	if name == "list" {
		return channel.Listing(owner), true, nil
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	switch ext = strings.TrimPrefix(ext, "."); {
	case strings.EqualFold(ext, "py"):
		payload, err := readLimited(path)
		if err != nil {
			return channel.Event{}, false, err
		}
		return channel.Submission(owner, name, payload), true, nil
	case ext == "status":
		return channel.Status(owner, base), true, nil
	case ext != "":
		a, err := manager.ParseAction(ext)
		if err != nil {
			_ = os.Remove(path)
			return channel.Event{}, false, err
		}
		return channel.Command(owner, base, a), true, nil
	}
	return channel.Event{}, false, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	b, err := io.ReadAll(io.LimitReader(f, MaxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxPayload {
		_ = os.Remove(path)
		return nil, fmt.Errorf("script larger than %d bytes", MaxPayload)
	}
	return b, nil
}
