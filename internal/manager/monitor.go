package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/metrics"
	"github.com/loykin/scripthost/internal/process"
)

const (
	// DefaultMonitorInterval is the pause between health sweeps.
	DefaultMonitorInterval = 30 * time.Second
	// DefaultCheckWait bounds how long a sweep waits for a job that is busy
	// with a start, stop or install before skipping it until the next sweep.
	DefaultCheckWait = time.Second
	// SweepConcurrency is how many jobs one sweep checks at once.
	SweepConcurrency = 8
)

// Monitor periodically re-validates every running job.
type Monitor struct {
	m         *Manager
	interval  time.Duration
	checkWait time.Duration
	log       *slog.Logger
}

func newMonitor(m *Manager, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		m:         m,
		interval:  interval,
		checkWait: DefaultCheckWait,
		log:       m.log.With("component", "monitor"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (mon *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(mon.interval)
	defer t.Stop()
	mon.log.Info("health monitor started", "interval", mon.interval)
	for {
		select {
		case <-ctx.Done():
			mon.log.Info("health monitor stopped")
			return
		case <-t.C:
			if _, err := mon.SweepOnce(ctx); err != nil {
				mon.log.Error("sweep save failed", "error", err)
			}
		}
	}
}

// SweepOnce checks every job once, stages the changed records and saves the
// registry once. Jobs are checked concurrently; a job busy with a long
// operation is skipped so it cannot hold up crash detection for the rest.
// It returns how many jobs were found crashed.
func (mon *Monitor) SweepOnce(ctx context.Context) (int, error) {
	begin := time.Now()
	var crashed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(SweepConcurrency)
	for _, s := range mon.m.supervisors() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if mon.checkOne(gctx, s) {
				crashed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	changed := int(crashed.Load())
	err := mon.m.reg.Save()
	metrics.ObserveSweep(time.Since(begin).Seconds())
	mon.m.publishCounts()
	if changed > 0 {
		mon.log.Info("sweep finished", "crashed", changed)
	}
	return changed, err
}

func (mon *Monitor) checkOne(ctx context.Context, s *Supervisor) (changed bool) {
	defer func() {
		if p := recover(); p != nil {
			mon.log.Error("status check panicked", "job", s.Key().String(), "panic", fmt.Sprint(p))
			changed = false
		}
	}()
	changed, err := s.TryCheckStatus(ctx, mon.checkWait)
	switch {
	case errors.Is(err, errBusy):
		mon.log.Debug("job busy, check skipped", "job", s.Key().String())
		return false
	case errors.Is(err, errClosed):
		return false
	case err != nil:
		mon.log.Warn("status check failed", "job", s.Key().String(), "error", err)
		return false
	}
	rec := s.Snapshot()
	if changed && !mon.m.reg.StageExisting(rec) {
		return false
	}
	if rec.Status == job.StatusRunning && metrics.Enabled() {
		if u, ok := process.ReadUsage(ctx, rec.PID); ok {
			metrics.SetUsage(rec.Key().String(), u.CPUPercent, u.RSSBytes)
		}
	}
	return changed
}
