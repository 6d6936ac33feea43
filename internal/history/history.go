// Package history exports job lifecycle events to analytics systems.
// Delivery is best-effort: a failing sink never affects a lifecycle operation.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/scripthost/internal/job"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSubmit        EventType = "submit"
	EventStart         EventType = "start"
	EventStop          EventType = "stop"
	EventCrash         EventType = "crash"
	EventSpawnFailed   EventType = "spawn_failed"
	EventInstallFailed EventType = "install_failed"
	EventDelete        EventType = "delete"
)

// Event is one lifecycle transition with the record as it was afterwards.
type Event struct {
	Type       EventType  `json:"type"`
	OccurredAt time.Time  `json:"occurred_at"`
	Record     job.Record `json:"record"`
	Detail     string     `json:"detail,omitempty"`
}

// Row is the flat column form used by the table-backed sinks.
type Row struct {
	OccurredAt time.Time
	Event      string
	JobKey     string
	OwnerID    int64
	Hash       string
	FileName   string
	Status     string
	PID        int
	CrashCount int
	Detail     string
}

// Flatten converts e to its table row.
func Flatten(e Event) Row {
	return Row{
		OccurredAt: e.OccurredAt.UTC(),
		Event:      string(e.Type),
		JobKey:     e.Record.Key().String(),
		OwnerID:    e.Record.OwnerID,
		Hash:       e.Record.Hash,
		FileName:   e.Record.FileName,
		Status:     e.Record.Status.String(),
		PID:        e.Record.PID,
		CrashCount: e.Record.CrashCount,
		Detail:     e.Detail,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds one delivery to one sink.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to sinks. A nil *Recorder is valid and drops
// everything.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		timeout: DefaultSendTimeout,
		log:     log,
		now:     time.Now,
	}
}

// Record sends an event built from rec to every sink and logs failures.
func (r *Recorder) Record(ctx context.Context, t EventType, rec job.Record, detail string) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	e := Event{Type: t, OccurredAt: r.now().UTC(), Record: rec.Clone(), Detail: detail}
	ctx = context.WithoutCancel(ctx)
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink failed", "event", t, "job", rec.Key().String(), "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
