//go:build !windows

package process

import (
	"context"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const pollInterval = 50 * time.Millisecond

// Descendants returns every process below pid, parents before children.
func Descendants(ctx context.Context, pid int) []int {
	if pid <= 0 {
		return nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	children := make(map[int32][]int32)
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}
	var out []int
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, int(c))
			queue = append(queue, c)
		}
	}
	return out
}

// Outcome describes how a tree teardown ended.
type Outcome int

const (
	AlreadyGone Outcome = iota // nothing to signal
	Exited                     // root exited within the grace period
	Killed                     // grace expired, tree was killed
)

var outcomeNames = []string{"already gone", "exited", "killed"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// TerminateTree stops pid and everything it spawned. Descendants and the
// root get SIGTERM, then the root's process group. If the root has not
// exited after grace, every known member and the group get SIGKILL.
//
// done, when non-nil, is closed when the root has been reaped by its owner;
// otherwise the root is polled. startedAt guards against signalling a
// reused pid.
func TerminateTree(ctx context.Context, pid int, startedAt time.Time, grace time.Duration, done <-chan struct{}) (Outcome, error) {
	if Probe(pid, startedAt) != StateAlive {
		return AlreadyGone, nil
	}
	tree := Descendants(ctx, pid)
	for _, c := range tree {
		_ = signalPid(c, syscall.SIGTERM)
	}
	if err := signalPid(pid, syscall.SIGTERM); err != nil {
		return AlreadyGone, err
	}
	_ = signalGroup(pid, syscall.SIGTERM)

	if waitGone(ctx, pid, startedAt, grace, done) {
		return Exited, nil
	}

	// pick up anything forked during the grace period
	tree = append(tree, Descendants(context.WithoutCancel(ctx), pid)...)
	for _, c := range tree {
		_ = signalPid(c, syscall.SIGKILL)
	}
	_ = signalPid(pid, syscall.SIGKILL)
	_ = signalGroup(pid, syscall.SIGKILL)
	waitGone(context.WithoutCancel(ctx), pid, startedAt, time.Second, done)
	return Killed, nil
}

// waitGone reports whether the root went away within d.
func waitGone(ctx context.Context, pid int, startedAt time.Time, d time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if done == nil && Probe(pid, startedAt) != StateAlive {
			return true
		}
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}
