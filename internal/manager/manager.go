// Package manager turns user requests into job lifecycle operations: it owns
// one Supervisor per job, the registry they persist to, and the health
// monitor that re-validates running jobs.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/scripthost/internal/deps"
	"github.com/loykin/scripthost/internal/env"
	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/logger"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/provision"
	"github.com/loykin/scripthost/internal/registry"
)

// Defaults for Options.
const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultRestartPause = time.Second
	ScriptExt           = ".py"
)

// Reply messages that are not errors.
const (
	MsgUploaded        = "uploaded"
	MsgAlreadyUploaded = "already uploaded"
)

// Options configures a Manager.
type Options struct {
	DataDir         string        // job directories, registry and lock
	RegistryPath    string        // default DataDir/jobs.json
	GracePeriod     time.Duration // SIGTERM to SIGKILL
	RestartPause    time.Duration // between stop and start on restart
	MonitorInterval time.Duration
	Provision       provision.Config
	Runner          provision.Runner  // nil: run real tools
	Resolver        deps.Resolver     // nil: deps.DefaultMapping
	Env             []string          // extra KEY=VALUE for every job
	JobLog          logger.Config     // rotation settings for child output
	History         *history.Recorder // nil: no history
	Logger          *slog.Logger
	Now             func() time.Time
}

// Manager is the lifecycle coordinator.
type Manager struct {
	opts   Options
	layout job.Layout
	reg    *registry.Registry
	lock   *registry.Lock
	rt     *shared
	log    *slog.Logger

	mu   sync.RWMutex
	sups map[job.Key]*Supervisor

	monitor   *Monitor
	monMu     sync.Mutex
	monCancel context.CancelFunc
	monDone   chan struct{}
	closed    bool
	closeOnce sync.Once
}

// New opens the registry under opts.DataDir, takes the data-dir lock and
// rebuilds a supervisor for every persisted job. Jobs persisted as running
// are re-validated: the recorded pid is only a hint.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, errors.New("manager: empty data dir")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.RestartPause < 0 {
		opts.RestartPause = 0
	} else if opts.RestartPause == 0 {
		opts.RestartPause = DefaultRestartPause
	}
	if opts.RegistryPath == "" {
		opts.RegistryPath = filepath.Join(opts.DataDir, registry.DefaultFileName)
	}
	if opts.Resolver == nil {
		opts.Resolver = deps.MappingResolver(deps.DefaultMapping)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger

	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("manager: create data dir: %w", err)
	}
	lock, err := registry.AcquireLock(opts.DataDir, log)
	if err != nil {
		return nil, err
	}

	e := env.New()
	e.FromOS()
	e.SetAll(opts.Env)

	m := &Manager{
		opts:   opts,
		layout: job.Layout{Root: opts.DataDir},
		reg:    registry.Open(opts.RegistryPath, log),
		lock:   lock,
		log:    log,
		sups:   make(map[job.Key]*Supervisor),
	}
	m.rt = &shared{
		layout:       m.layout,
		prov:         provision.New(opts.Provision, opts.Runner, log),
		env:          e,
		jobLog:       opts.JobLog,
		grace:        opts.GracePeriod,
		restartPause: opts.RestartPause,
		history:      opts.History,
		log:          log,
		now:          opts.Now,
	}
	m.monitor = newMonitor(m, opts.MonitorInterval)

	for _, rec := range m.reg.All() {
		m.sups[rec.Key()] = newSupervisor(m.rt, rec)
	}
	m.revalidate(ctx)
	m.publishCounts()
	log.Info("manager ready", "data_dir", opts.DataDir, "jobs", len(m.sups))
	return m, nil
}

func (m *Manager) revalidate(ctx context.Context) {
	changed := 0
	for _, s := range m.supervisors() {
		if s.Snapshot().Status != job.StatusRunning {
			continue
		}
		ok, err := s.CheckStatus(ctx)
		if err != nil {
			m.log.Warn("revalidate failed", "job", s.Key().String(), "error", err)
			continue
		}
		if ok {
			m.reg.Stage(s.Snapshot())
			changed++
		} else {
			m.log.Info("running job survived restart", "job", s.Key().String(), "pid", s.Snapshot().PID)
		}
	}
	if changed > 0 {
		if err := m.reg.Save(); err != nil {
			m.log.Error("save after revalidate failed", "error", err)
		}
	}
}

// supervisors returns a stable snapshot of all supervisors.
func (m *Manager) supervisors() []*Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		out = append(out, s)
	}
	return out
}

func (m *Manager) supervisor(k job.Key) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sups[k]
	return s, ok
}

func (m *Manager) lookup(owner int64, hash string) (*Supervisor, error) {
	if !job.ValidHash(hash) {
		return nil, job.Errorf(job.ErrNotFound, "lookup", "job not found")
	}
	s, ok := m.supervisor(job.Key{OwnerID: owner, Hash: hash})
	if !ok {
		return nil, job.Errorf(job.ErrNotFound, "lookup", "job not found")
	}
	return s, nil
}

func (m *Manager) publishCounts() {
	if !metrics.Enabled() {
		return
	}
	counts := map[string]int{}
	for _, s := range m.supervisors() {
		counts[s.Snapshot().Status.String()]++
	}
	statuses := []string{
		job.StatusStopped.String(), job.StatusRunning.String(),
		job.StatusCrashed.String(), job.StatusError.String(),
	}
	metrics.SetJobCounts(counts, statuses)
}

func recovered(op string, log *slog.Logger, err *error) {
	if p := recover(); p != nil {
		log.Error("panic in manager", "op", op, "panic", fmt.Sprint(p))
		*err = job.Errorf(job.ErrInternal, op, "internal error")
	}
}

// Submit registers a script for owner. Identical content from the same
// owner returns the existing record with MsgAlreadyUploaded.
func (m *Manager) Submit(ctx context.Context, owner int64, payload []byte, displayName string) (rec job.Record, msg string, err error) {
	defer recovered("submit", m.log, &err)

	name := filepath.Base(strings.TrimSpace(displayName))
	if !strings.HasSuffix(strings.ToLower(name), ScriptExt) {
		return job.Record{}, "", job.Errorf(job.ErrInvalid, "submit", "only %s files are accepted", ScriptExt)
	}
	if len(payload) == 0 {
		return job.Record{}, "", job.Errorf(job.ErrInvalid, "submit", "empty script")
	}

	k := job.Key{OwnerID: owner, Hash: job.ContentHash(payload)}
	m.mu.Lock()
	if s, ok := m.sups[k]; ok {
		m.mu.Unlock()
		return s.Snapshot(), MsgAlreadyUploaded, nil
	}

	dir := m.layout.Dir(k)
	if err := m.writeJobDir(k, payload); err != nil {
		m.mu.Unlock()
		_ = os.RemoveAll(dir)
		return job.Record{}, "", &job.Error{Kind: job.ErrPersistence, Op: "submit", Detail: "failed to store script", Err: err}
	}
	rec = job.New(k, name, m.opts.Now())
	s := newSupervisor(m.rt, rec)
	m.sups[k] = s
	m.reg.Stage(rec)
	m.mu.Unlock()

	if err := m.reg.Save(); err != nil {
		m.log.Error("registry save failed", "job", k.String(), "error", err)
		return rec, MsgUploaded, err
	}
	m.rt.history.Record(ctx, history.EventSubmit, rec, name)
	m.publishCounts()
	m.log.Info("job submitted", "job", k.String(), "file", name)

	go func() {
		pctx := context.WithoutCancel(ctx)
		if _, err := s.Prepare(pctx); err != nil && !errors.Is(err, errClosed) {
			m.log.Warn("background environment creation failed", "job", k.String(), "error", err)
		}
	}()
	return rec, MsgUploaded, nil
}

func (m *Manager) writeJobDir(k job.Key, payload []byte) error {
	if err := os.MkdirAll(m.layout.Dir(k), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(m.layout.Script(k), payload, 0o600); err != nil {
		return err
	}
	pkgs := deps.Infer(payload, m.opts.Resolver)
	if _, err := deps.WriteManifest(m.layout.Manifest(k), pkgs); err != nil {
		return err
	}
	return nil
}

// Do runs action on the owner's job and persists the result.
func (m *Manager) Do(ctx context.Context, owner int64, hash string, action Action) (msg string, err error) {
	defer recovered(action.String(), m.log, &err)

	s, err := m.lookup(owner, hash)
	if err != nil {
		return "", err
	}
	switch action {
	case ActionStart:
		msg, err = s.Start(ctx)
	case ActionStop:
		msg, err = s.Stop(ctx)
	case ActionRestart:
		msg, err = s.Restart(ctx)
	case ActionDelete:
		return m.delete(ctx, s)
	default:
		return "", job.Errorf(job.ErrInvalid, "do", "unknown action %d", int(action))
	}
	if errors.Is(err, errClosed) {
		return msg, err
	}
	if _, perr := m.reg.Update(s.Snapshot()); perr != nil && err == nil {
		err = perr
	}
	m.publishCounts()
	return msg, err
}

// delete removes the job. The supervisor and the registry entry go together
// under m.mu so a concurrent submit of the same script sees either both or
// neither.
func (m *Manager) delete(ctx context.Context, s *Supervisor) (string, error) {
	msg, err := s.Delete(ctx)
	if err != nil {
		if !errors.Is(err, errClosed) {
			_, _ = m.reg.Update(s.Snapshot())
		}
		return "", err
	}
	m.mu.Lock()
	if cur, ok := m.sups[s.Key()]; ok && cur == s {
		delete(m.sups, s.Key())
		err = m.reg.Remove(s.Key())
	}
	m.mu.Unlock()
	s.Close()
	m.publishCounts()
	return msg, err
}

// Query re-checks the job and returns its detailed view.
func (m *Manager) Query(ctx context.Context, owner int64, hash string) (v View, err error) {
	defer recovered("query", m.log, &err)

	s, err := m.lookup(owner, hash)
	if err != nil {
		return View{}, err
	}
	changed, err := s.CheckStatus(ctx)
	if err != nil {
		return View{}, err
	}
	if changed {
		if _, err := m.reg.Update(s.Snapshot()); err != nil {
			m.log.Error("persist after status check failed", "job", s.Key().String(), "error", err)
		}
		m.publishCounts()
	}
	rec := s.Snapshot()
	v = View{
		Record:  rec,
		Key:     rec.Key().String(),
		Uptime:  job.FormatUptime(rec.Uptime(m.opts.Now())),
		Actions: AvailableActions(rec.Status),
	}
	if rec.Status == job.StatusRunning {
		if u, ok := process.ReadUsage(ctx, rec.PID); ok {
			v.Usage = &u
		}
	}
	return v, nil
}

// List re-checks the owner's jobs, saves once and returns their summaries.
func (m *Manager) List(ctx context.Context, owner int64) (out []Summary, err error) {
	defer recovered("list", m.log, &err)

	changed := false
	for _, rec := range m.reg.ListForOwner(owner) {
		s, ok := m.supervisor(rec.Key())
		if !ok {
			continue
		}
		c, err := s.CheckStatus(ctx)
		if err != nil {
			m.log.Warn("status check failed", "job", rec.Key().String(), "error", err)
		}
		if c && m.reg.StageExisting(s.Snapshot()) {
			changed = true
		}
	}
	if changed {
		if err := m.reg.Save(); err != nil {
			m.log.Error("save after list failed", "error", err)
		}
		m.publishCounts()
	}
	out = make([]Summary, 0)
	for _, rec := range m.reg.ListForOwner(owner) {
		out = append(out, summarize(rec))
	}
	return out, nil
}

// Sweep runs one health sweep immediately.
func (m *Manager) Sweep(ctx context.Context) (int, error) { return m.monitor.SweepOnce(ctx) }

// Run drives the health monitor until ctx is cancelled or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	m.monMu.Lock()
	if m.closed {
		m.monMu.Unlock()
		return errors.New("manager: shut down")
	}
	if m.monDone != nil {
		m.monMu.Unlock()
		return errors.New("manager: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.monCancel, m.monDone = cancel, done
	m.monMu.Unlock()

	defer close(done)
	m.monitor.Run(ctx)
	return nil
}

// Shutdown stops the monitor, stops every running job concurrently, saves
// the registry and releases the data-dir lock.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() { err = m.shutdown(ctx) })
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.monMu.Lock()
	m.closed = true
	cancel, done := m.monCancel, m.monDone
	m.monMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	sups := m.supervisors()
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, s := range sups {
		if s.Snapshot().Status != job.StatusRunning {
			continue
		}
		g.Go(func() error {
			if _, err := s.Stop(gctx); err != nil && !job.IsInformational(err) {
				m.log.Warn("stop on shutdown failed", "job", s.Key().String(), "error", err)
			}
			m.reg.StageExisting(s.Snapshot())
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	if err := m.reg.Save(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range sups {
		s.Close()
	}
	if err := m.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	m.log.Info("manager stopped", "jobs", len(sups))
	return errors.Join(errs...)
}

// Registry exposes the underlying registry for read-only callers.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Layout returns the on-disk layout of job directories.
func (m *Manager) Layout() job.Layout { return m.layout }
