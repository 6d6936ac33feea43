// Package channel is the boundary between a delivery transport and the
// lifecycle coordinator. Transports produce Events and consume Replies;
// Dispatch maps one to the other.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/manager"
)

// Kind is the type of an inbound event.
type Kind int

const (
	KindSubmit Kind = iota
	KindAction
	KindQuery
	KindList
)

var kindNames = []string{"submit", "action", "query", "list"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(b))
}

// Event is one user request.
type Event struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Owner    int64          `json:"owner"`
	Hash     string         `json:"hash,omitempty"`
	Action   manager.Action `json:"action,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	Payload  []byte         `json:"-"`
	At       time.Time      `json:"at"`
}

// NewEvent returns an event with a fresh id.
func NewEvent(kind Kind, owner int64) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Owner: owner, At: time.Now()}
}

// Submission is a submit event for payload named name.
func Submission(owner int64, name string, payload []byte) Event {
	ev := NewEvent(KindSubmit, owner)
	ev.FileName = name
	ev.Payload = payload
	return ev
}

// Command is an action event on the job identified by hash.
func Command(owner int64, hash string, a manager.Action) Event {
	ev := NewEvent(KindAction, owner)
	ev.Hash = hash
	ev.Action = a
	return ev
}

// Status is a query event for one job.
func Status(owner int64, hash string) Event {
	ev := NewEvent(KindQuery, owner)
	ev.Hash = hash
	return ev
}

// Listing is a list event for all jobs of owner.
func Listing(owner int64) Event { return NewEvent(KindList, owner) }

// Outcome classifies a reply.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInfo
	OutcomeError
)

var outcomeNames = []string{"ok", "info", "error"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for i, n := range outcomeNames {
		if n == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}

// Icon is the marker a chat-like transport shows in front of the text.
func (o Outcome) Icon() string {
	switch o {
	case OutcomeOK:
		return "✅"
	case OutcomeInfo:
		return "ℹ️"
	default:
		return "❌"
	}
}

// Reply is the answer to one Event.
type Reply struct {
	EventID string            `json:"event_id"`
	Kind    Kind              `json:"kind"`
	Owner   int64             `json:"owner"`
	Outcome Outcome           `json:"outcome"`
	Text    string            `json:"text"`
	Record  *job.Record       `json:"record,omitempty"`
	View    *manager.View     `json:"view,omitempty"`
	Jobs    []manager.Summary `json:"jobs,omitempty"`
	Err     error             `json:"-"`
}

// String renders the reply as status text.
func (r Reply) String() string { return r.Outcome.Icon() + " " + r.Text }

// Source yields events. Next returns io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// Sink delivers replies back to the user. Deliver may be called
// concurrently.
type Sink interface {
	Deliver(ctx context.Context, r Reply) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Reply) error

func (f SinkFunc) Deliver(ctx context.Context, r Reply) error { return f(ctx, r) }

// Core is the coordinator surface a transport drives.
type Core interface {
	Submit(ctx context.Context, owner int64, payload []byte, displayName string) (job.Record, string, error)
	Do(ctx context.Context, owner int64, hash string, action manager.Action) (string, error)
	Query(ctx context.Context, owner int64, hash string) (manager.View, error)
	List(ctx context.Context, owner int64) ([]manager.Summary, error)
}

// Dispatch runs ev against core and renders the reply. It never panics on
// bad input; failures become error replies.
func Dispatch(ctx context.Context, core Core, ev Event) Reply {
	r := Reply{EventID: ev.ID, Kind: ev.Kind, Owner: ev.Owner}
	switch ev.Kind {
	case KindSubmit:
		rec, msg, err := core.Submit(ctx, ev.Owner, ev.Payload, ev.FileName)
		if err != nil {
			return failed(r, err)
		}
		r.Record = &rec
		r.Text = fmt.Sprintf("%s: %s (%s)", capitalize(msg), rec.FileName, rec.Key())
		if msg == manager.MsgAlreadyUploaded {
			r.Outcome = OutcomeInfo
		}
	case KindAction:
		msg, err := core.Do(ctx, ev.Owner, ev.Hash, ev.Action)
		if err != nil {
			return failed(r, err)
		}
		r.Text = capitalize(msg)
	case KindQuery:
		v, err := core.Query(ctx, ev.Owner, ev.Hash)
		if err != nil {
			return failed(r, err)
		}
		r.View = &v
		r.Record = &v.Record
		r.Text = RenderView(v)
	case KindList:
		jobs, err := core.List(ctx, ev.Owner)
		if err != nil {
			return failed(r, err)
		}
		r.Jobs = jobs
		r.Text = RenderList(jobs)
	default:
		return failed(r, job.Errorf(job.ErrInvalid, "dispatch", "unknown event kind %d", int(ev.Kind)))
	}
	return r
}

func failed(r Reply, err error) Reply {
	r.Err = err
	r.Outcome = OutcomeError
	if job.IsInformational(err) {
		r.Outcome = OutcomeInfo
	}
	r.Text = capitalize(job.Message(err))
	return r
}

// RenderView is the detailed status text of one job.
func RenderView(v manager.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 %s\n", v.Record.FileName)
	fmt.Fprintf(&b, "Status: %s %s\n", v.Record.Status.Icon(), v.Record.Status)
	fmt.Fprintf(&b, "Uptime: %s\n", v.Uptime)
	fmt.Fprintf(&b, "Crashes: %d", v.Record.CrashCount)
	if v.Record.PID > 0 {
		fmt.Fprintf(&b, "\nPID: %d", v.Record.PID)
	}
	if v.Usage != nil {
		fmt.Fprintf(&b, "\nCPU: %.1f%%  RSS: %.1f MiB", v.Usage.CPUPercent, float64(v.Usage.RSSBytes)/(1<<20))
	}
	if len(v.Actions) > 0 {
		names := make([]string, len(v.Actions))
		for i, a := range v.Actions {
			names[i] = a.String()
		}
		fmt.Fprintf(&b, "\nActions: %s", strings.Join(names, ", "))
	}
	return b.String()
}

// RenderList is the per-owner listing text.
func RenderList(jobs []manager.Summary) string {
	if len(jobs) == 0 {
		return "You have no jobs."
	}
	var b strings.Builder
	b.WriteString("📋 Your hosted jobs")
	for _, j := range jobs {
		fmt.Fprintf(&b, "\n%s %s (%s)", j.Icon, j.FileName, j.Hash)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// DefaultConcurrency bounds the events Serve handles at once.
const DefaultConcurrency = 8

// Serve pumps events from src through core into sink until src returns
// io.EOF or ctx is cancelled. Events run concurrently up to limit; the
// coordinator serializes operations on the same job.
func Serve(ctx context.Context, src Source, sink Sink, core Core, limit int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var srcErr error
	for {
		ev, err := src.Next(gctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				srcErr = err
			}
			break
		}
		g.Go(func() error {
			r := Dispatch(gctx, core, ev)
			log.Debug("event handled", "id", ev.ID, "kind", ev.Kind.String(), "owner", ev.Owner, "outcome", r.Outcome.String())
			if err := sink.Deliver(gctx, r); err != nil {
				log.Warn("reply delivery failed", "id", ev.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return srcErr
}
