//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// startTime returns when pid was started, at one second resolution.
// ok is false when the time cannot be determined.
func startTime(pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	var sec int64
	if runtime.GOOS == "linux" {
		sec = startUnixFromProc(pid)
	}
	if sec == 0 {
		sec = startUnixFromGopsutil(pid)
	}
	if sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

func startUnixFromGopsutil(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// startUnixFromProc reads field 22 of /proc/<pid>/stat (clock ticks since
// boot) and adds the boot time from /proc/stat.
func startUnixFromProc(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces and parentheses
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	btime := bootUnix()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

func bootUnix() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
