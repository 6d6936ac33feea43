//go:build !windows

package process

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of a job's root process.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent" yaml:"cpu_percent"`
	RSSBytes    uint64  `json:"rss_bytes" yaml:"rss_bytes"`
	Threads     int32   `json:"threads" yaml:"threads"`
	Descendants int     `json:"descendants" yaml:"descendants"`
}

// ReadUsage samples pid. ok is false if the process cannot be inspected.
func ReadUsage(ctx context.Context, pid int) (Usage, bool) {
	if pid <= 0 {
		return Usage{}, false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, false
	}
	var u Usage
	if v, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = v
	}
	if m, err := p.MemoryInfoWithContext(ctx); err == nil && m != nil {
		u.RSSBytes = m.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	u.Descendants = len(Descendants(ctx, pid))
	return u, true
}
