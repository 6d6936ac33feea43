package job

import "fmt"

// Status is the lifecycle state of a hosted job.
type Status int

const (
	// StatusStopped is the initial state and the state after an explicit stop.
	StatusStopped Status = iota
	// StatusRunning means a child process was spawned and has not been seen dead.
	StatusRunning
	// StatusCrashed means the process disappeared without a stop request.
	StatusCrashed
	// StatusError means the OS refused to spawn the process.
	StatusError
)

var statusNames = []string{
	"stopped",
	"running",
	"crashed",
	"error",
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String. Unknown names are rejected.
func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return StatusStopped, fmt.Errorf("unknown job status %q", s)
}

// Icon is the marker shown next to a job in listings.
func (s Status) Icon() string {
	if s == StatusRunning {
		return "🟢"
	}
	return "🔴"
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid job status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
