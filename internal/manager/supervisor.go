package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/scripthost/internal/env"
	"github.com/loykin/scripthost/internal/history"
	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/logger"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/process"
	"github.com/loykin/scripthost/internal/provision"
)

// errClosed is returned for commands sent to a supervisor after Close or
// after its job was deleted.
var errClosed = job.Errorf(job.ErrNotFound, "supervisor", "job not found")

// shared is what every supervisor shares with the Manager.
type shared struct {
	layout       job.Layout
	prov         *provision.Provisioner
	env          *env.Env
	jobLog       logger.Config
	grace        time.Duration
	restartPause time.Duration
	history      *history.Recorder
	log          *slog.Logger
	now          func() time.Time
}

type op int

const (
	opStart op = iota
	opStop
	opRestart
	opCheck
	opDelete
	opPrepare
)

var opNames = []string{"start", "stop", "restart", "check", "delete", "prepare"}

func (o op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return "unknown"
	}
	return opNames[o]
}

type result struct {
	msg     string
	changed bool
	err     error
}

type command struct {
	op    op
	ctx   context.Context
	reply chan result
}

// Supervisor owns one job. Lifecycle commands run one at a time on its
// goroutine, so a health check can never interleave with a start or stop of
// the same job. Snapshots are readable from any goroutine.
type Supervisor struct {
	key job.Key
	dir string
	rt  *shared
	log *slog.Logger

	mu  sync.RWMutex
	rec job.Record

	child *process.Child // actor goroutine only

	cmds chan command
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newSupervisor(rt *shared, rec job.Record) *Supervisor {
	k := rec.Key()
	s := &Supervisor{
		key:  k,
		dir:  rt.layout.Dir(k),
		rt:   rt,
		log:  rt.log.With("job", k.String()),
		rec:  rec.Clone(),
		cmds: make(chan command),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Supervisor) Key() job.Key { return s.key }

// Snapshot returns a copy of the job record.
func (s *Supervisor) Snapshot() job.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Clone()
}

// Uptime is the running time of the job, if it is running.
func (s *Supervisor) Uptime() (time.Duration, bool) {
	return s.Snapshot().Uptime(s.rt.now())
}

func (s *Supervisor) set(rec job.Record) {
	s.mu.Lock()
	s.rec = rec.Clone()
	s.mu.Unlock()
}

// Start provisions the job if needed and spawns it.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	r := s.call(ctx, opStart)
	return r.msg, r.err
}

// Stop terminates the job's process tree.
func (s *Supervisor) Stop(ctx context.Context) (string, error) {
	r := s.call(ctx, opStop)
	return r.msg, r.err
}

// Restart stops the job if it runs, pauses, then starts it.
func (s *Supervisor) Restart(ctx context.Context) (string, error) {
	r := s.call(ctx, opRestart)
	return r.msg, r.err
}

// CheckStatus re-validates a running job and reports whether it was found
// dead and marked crashed.
func (s *Supervisor) CheckStatus(ctx context.Context) (bool, error) {
	r := s.call(ctx, opCheck)
	return r.changed, r.err
}

// errBusy is returned by TryCheckStatus when the job's goroutine stayed
// occupied by another operation.
var errBusy = errors.New("job busy")

// TryCheckStatus is CheckStatus for callers that must not queue behind a
// long operation: it returns errBusy if the check is not picked up within
// wait.
func (s *Supervisor) TryCheckStatus(ctx context.Context, wait time.Duration) (bool, error) {
	t := time.NewTimer(wait)
	defer t.Stop()
	r := s.send(ctx, opCheck, t.C)
	return r.changed, r.err
}

// Delete stops the job if needed and removes its directory.
func (s *Supervisor) Delete(ctx context.Context) (string, error) {
	r := s.call(ctx, opDelete)
	return r.msg, r.err
}

// Prepare creates the job's environment ahead of its first start.
func (s *Supervisor) Prepare(ctx context.Context) (string, error) {
	r := s.call(ctx, opPrepare)
	return r.msg, r.err
}

// Close stops the actor goroutine. The job's process is left alone.
func (s *Supervisor) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Supervisor) call(ctx context.Context, o op) result { return s.send(ctx, o, nil) }

// send hands o to the actor goroutine and waits for the reply. A non-nil
// giveUp aborts only while the command is still waiting to be accepted.
func (s *Supervisor) send(ctx context.Context, o op, giveUp <-chan time.Time) result {
	c := command{op: o, ctx: ctx, reply: make(chan result, 1)}
	select {
	case s.cmds <- c:
	case <-giveUp:
		return result{err: errBusy}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	case <-s.done:
		return result{err: errClosed}
	}
	select {
	case r := <-c.reply:
		return r
	case <-s.done:
		select {
		case r := <-c.reply:
			return r
		default:
			return result{err: errClosed}
		}
	}
}

// loop serves commands until Close. A successful delete ends it too, so
// commands queued behind the delete fail with errClosed instead of acting
// on a removed directory.
func (s *Supervisor) loop() {
	defer close(s.done)
	for {
		select {
		case c := <-s.cmds:
			r := s.handle(c)
			c.reply <- r
			if c.op == opDelete && r.err == nil {
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) handle(c command) (r result) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("panic in lifecycle operation", "op", c.op.String(), "panic", fmt.Sprint(p))
			r = result{err: job.Errorf(job.ErrInternal, c.op.String(), "internal error")}
		}
	}()
	switch c.op {
	case opStart:
		msg, err := s.start(c.ctx)
		return result{msg: msg, err: err}
	case opStop:
		msg, err := s.stop(c.ctx)
		return result{msg: msg, err: err}
	case opRestart:
		msg, err := s.restart(c.ctx)
		return result{msg: msg, err: err}
	case opCheck:
		return result{changed: s.check(c.ctx)}
	case opDelete:
		msg, err := s.delete(c.ctx)
		return result{msg: msg, err: err}
	case opPrepare:
		msg, err := s.rt.prov.EnsureEnvironment(c.ctx, s.dir)
		if err != nil {
			metrics.IncInstallFailure(s.key.String())
			s.rt.history.Record(c.ctx, history.EventInstallFailed, s.Snapshot(), job.Message(err))
		}
		return result{msg: msg, err: err}
	}
	return result{err: fmt.Errorf("unknown op %d", c.op)}
}

// transition moves rec to status to and records the change.
func (s *Supervisor) transition(rec *job.Record, to job.Status) {
	from := rec.Status
	rec.Status = to
	metrics.RecordStateTransition(from.String(), to.String())
	if from != to {
		s.log.Debug("state transition", "from", from.String(), "to", to.String())
	}
}

func (s *Supervisor) start(ctx context.Context) (string, error) {
	rec := s.Snapshot()
	if rec.Status == job.StatusRunning {
		return "", job.Errorf(job.ErrAlreadyInState, "start", "already running")
	}
	if _, err := os.Stat(s.rt.layout.Script(s.key)); err != nil {
		return "", job.Errorf(job.ErrNotFound, "start", "script not found")
	}

	if _, err := s.rt.prov.EnsureEnvironment(ctx, s.dir); err != nil {
		s.provisionFailed(ctx, rec, err)
		return "", err
	}
	if !rec.DependenciesInstalled {
		if _, err := s.rt.prov.InstallDependencies(ctx, s.dir); err != nil {
			s.provisionFailed(ctx, rec, err)
			return "", err
		}
		rec.DependenciesInstalled = true
		s.set(rec)
	}

	vars := s.rt.env.ForVirtualenv(job.EnvDir(s.dir))
	child, err := process.Start(process.Spec{
		Name: s.key.String(),
		Path: job.Interpreter(s.dir),
		Args: []string{job.ScriptName},
		Dir:  s.dir,
		Env:  s.rt.env.Merge(vars),
		Log:  s.rt.jobLog.WithDir(s.rt.layout.LogDir(s.key)),
	})
	if err != nil {
		s.transition(&rec, job.StatusError)
		rec.PID = 0
		rec.CrashCount++
		s.set(rec)
		metrics.IncSpawnFailure(s.key.String())
		s.rt.history.Record(ctx, history.EventSpawnFailed, rec, err.Error())
		s.log.Error("spawn failed", "error", err)
		return "", &job.Error{Kind: job.ErrSpawn, Op: "start", Detail: "failed to start", Err: err}
	}

	s.child = child
	started := child.StartedAt
	s.transition(&rec, job.StatusRunning)
	rec.PID = child.Pid
	rec.StartedAt = &started
	rec.StoppedAt = nil
	s.set(rec)
	metrics.IncStart(s.key.String())
	s.rt.history.Record(ctx, history.EventStart, rec, "")
	s.log.Info("job started", "pid", child.Pid)
	return fmt.Sprintf("started (PID %d)", child.Pid), nil
}

func (s *Supervisor) provisionFailed(ctx context.Context, rec job.Record, err error) {
	metrics.IncInstallFailure(s.key.String())
	s.rt.history.Record(ctx, history.EventInstallFailed, rec, job.Message(err))
	s.log.Warn("provisioning failed", "error", err)
}

func (s *Supervisor) stop(ctx context.Context) (string, error) {
	rec := s.Snapshot()
	if rec.Status != job.StatusRunning {
		return "", job.Errorf(job.ErrAlreadyInState, "stop", "not running")
	}

	var startedAt time.Time
	if rec.StartedAt != nil {
		startedAt = *rec.StartedAt
	}
	var done <-chan struct{}
	if s.child != nil && s.child.Pid == rec.PID {
		done = s.child.Done()
	}
	outcome, err := process.TerminateTree(ctx, rec.PID, startedAt, s.rt.grace, done)
	if err != nil {
		s.log.Warn("terminate failed", "pid", rec.PID, "error", err)
	}
	s.child = nil

	now := s.rt.now()
	s.transition(&rec, job.StatusStopped)
	rec.PID = 0
	rec.StoppedAt = &now
	s.set(rec)
	metrics.IncStop(s.key.String(), outcome.String())
	metrics.ForgetJob(s.key.String())
	s.rt.history.Record(ctx, history.EventStop, rec, outcome.String())
	s.log.Info("job stopped", "outcome", outcome.String())
	return "stopped", nil
}

func (s *Supervisor) restart(ctx context.Context) (string, error) {
	if _, err := s.stop(ctx); err != nil && !job.IsInformational(err) {
		return "", err
	}
	if s.rt.restartPause > 0 {
		t := time.NewTimer(s.rt.restartPause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	return s.start(ctx)
}

func (s *Supervisor) check(ctx context.Context) bool {
	rec := s.Snapshot()
	if rec.Status != job.StatusRunning {
		return false
	}
	var startedAt time.Time
	if rec.StartedAt != nil {
		startedAt = *rec.StartedAt
	}
	state := process.Probe(rec.PID, startedAt)
	if s.child != nil && s.child.Pid == rec.PID && s.child.Exited() {
		state = process.StateGone
	}
	if state == process.StateAlive {
		return false
	}

	now := s.rt.now()
	s.transition(&rec, job.StatusCrashed)
	rec.CrashCount++
	rec.StoppedAt = &now
	rec.PID = 0
	s.child = nil
	s.set(rec)
	metrics.IncCrash(s.key.String())
	metrics.ForgetJob(s.key.String())
	s.rt.history.Record(ctx, history.EventCrash, rec, state.String())
	s.log.Warn("job crashed", "probe", state.String(), "crash_count", rec.CrashCount)
	return true
}

func (s *Supervisor) delete(ctx context.Context) (string, error) {
	if s.Snapshot().Status == job.StatusRunning {
		if _, err := s.stop(ctx); err != nil && !job.IsInformational(err) {
			return "", err
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.log.Warn("remove job dir failed", "dir", s.dir, "error", err)
	}
	s.rt.history.Record(ctx, history.EventDelete, s.Snapshot(), "")
	s.log.Info("job deleted")
	return "deleted", nil
}
