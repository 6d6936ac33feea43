//go:build !windows

package process

import (
	"bytes"
	"os"
	"slices"
	"strconv"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// State is the result of probing a recorded pid.
type State int

const (
	StateAlive  State = iota
	StateGone         // no such process
	StateZombie       // exited, not yet reaped
	StateReused       // pid now belongs to a newer process
)

var stateNames = []string{"alive", "gone", "zombie", "reused"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// reuseSlack absorbs the rounding between the recorded start time and the
// kernel's tick-based start time.
const reuseSlack = 2 * time.Second

// Probe checks whether pid still denotes the process started at startedAt.
// A zero startedAt skips the reuse check.
func Probe(pid int, startedAt time.Time) State {
	if pid <= 0 || !exists(pid) {
		return StateGone
	}
	if zombie(pid) {
		return StateZombie
	}
	if !startedAt.IsZero() {
		if st, ok := startTime(pid); ok && st.After(startedAt.Add(reuseSlack)) {
			return StateReused
		}
	}
	return StateAlive
}

// Alive is Probe(pid, startedAt) == StateAlive.
func Alive(pid int, startedAt time.Time) bool {
	return Probe(pid, startedAt) == StateAlive
}

func zombie(pid int) bool {
	p, err := gopsproc.NewProcess(int32(pid))
	if err == nil {
		if st, err := p.Status(); err == nil {
			return slices.Contains(st, gopsproc.Zombie)
		}
	}
	// fallback for platforms where gopsutil cannot read the state
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
