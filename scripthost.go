// Package scripthost is the public entry point for embedding the script
// supervisor: open a manager from a config, expose it over HTTP or a spool
// directory, and export metrics.
package scripthost

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/scripthost/internal/channel"
	"github.com/loykin/scripthost/internal/channel/spool"
	"github.com/loykin/scripthost/internal/config"
	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/history/factory"
	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/manager"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/server"
)

type (
	Config  = config.Config
	Record  = job.Record
	Status  = job.Status
	Action  = manager.Action
	View    = manager.View
	Summary = manager.Summary
	Event   = channel.Event
	Reply   = channel.Reply
	Source  = channel.Source
	Sink    = channel.Sink
	Spool   = spool.Spool

	HistorySink  = history.Sink
	HistoryEvent = history.Event
)

const (
	StatusStopped = job.StatusStopped
	StatusRunning = job.StatusRunning
	StatusCrashed = job.StatusCrashed
	StatusError   = job.StatusError

	ActionStart   = manager.ActionStart
	ActionStop    = manager.ActionStop
	ActionRestart = manager.ActionRestart
	ActionDelete  = manager.ActionDelete
)

// Manager is an opened lifecycle manager plus the history sinks it
// reports to.
type Manager struct {
	*manager.Manager
	history *history.Recorder
}

// LoadConfig reads a TOML config file; SCRIPTHOST_* environment variables
// override it.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Open builds a manager from cfg. History sinks named in cfg are opened
// here and closed by Close. extra sinks are appended to the configured ones.
func Open(ctx context.Context, cfg *Config, log *slog.Logger, extra ...HistorySink) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	opts, err := cfg.ManagerOptions()
	if err != nil {
		return nil, err
	}
	sinks, err := factory.NewSinks(ctx, cfg.History.Sinks)
	if err != nil {
		return nil, err
	}
	rec := history.NewRecorder(log, append(sinks, extra...)...)
	opts.Logger = log
	opts.History = rec
	m, err := manager.New(ctx, opts)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	return &Manager{Manager: m, history: rec}, nil
}

// Close stops every running job, releases the data directory and closes
// the history sinks.
func (m *Manager) Close(ctx context.Context) error {
	return errors.Join(m.Shutdown(ctx), m.history.Close())
}

// NewHTTPServer starts the HTTP API for m in the background.
func NewHTTPServer(cfg *Config, m *Manager, log *slog.Logger) (*http.Server, error) {
	return server.NewServer(cfg.HTTPServer(), m, m, log)
}

// OpenSpool opens the spool directory configured in cfg.
func OpenSpool(cfg *Config, log *slog.Logger) (*Spool, error) {
	return spool.Open(spool.Options{Dir: cfg.SpoolDir(), Logger: log})
}

// Serve dispatches events from src to m until src is exhausted or ctx is
// cancelled, delivering replies to sink.
func Serve(ctx context.Context, src Source, sink Sink, m *Manager, log *slog.Logger) error {
	return channel.Serve(ctx, src, sink, m, channel.DefaultConcurrency, log)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted server exposing /metrics from the
// default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeMetrics runs a metrics server on addr in the caller goroutine.
func ServeMetrics(addr string) error {
	return NewMetricsServer(addr).ListenAndServe()
}
