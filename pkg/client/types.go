package client

import "time"

// Job mirrors the persisted job record.
type Job struct {
	OwnerID               int64      `json:"owner_id" yaml:"owner_id"`
	Hash                  string     `json:"content_hash" yaml:"content_hash"`
	FileName              string     `json:"file_name" yaml:"file_name"`
	Status                string     `json:"status" yaml:"status"`
	CreatedAt             time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt             *time.Time `json:"started_at" yaml:"started_at"`
	StoppedAt             *time.Time `json:"stopped_at" yaml:"stopped_at"`
	CrashCount            int        `json:"crash_count" yaml:"crash_count"`
	PID                   int        `json:"pid" yaml:"pid"`
	DependenciesInstalled bool       `json:"dependencies_installed" yaml:"dependencies_installed"`
}

// Usage is the resource usage of a running job's process tree root.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent" yaml:"cpu_percent"`
	RSSBytes    uint64  `json:"rss_bytes" yaml:"rss_bytes"`
	Threads     int32   `json:"threads" yaml:"threads"`
	Descendants int     `json:"descendants" yaml:"descendants"`
}

// View is the detailed status of one job.
type View struct {
	Record  Job      `json:"record" yaml:"record"`
	Key     string   `json:"key" yaml:"key"`
	Uptime  string   `json:"uptime" yaml:"uptime"`
	Usage   *Usage   `json:"usage,omitempty" yaml:"usage,omitempty"`
	Actions []string `json:"actions" yaml:"actions"`
}

// Summary is one entry of a job listing.
type Summary struct {
	Key      string `json:"key" yaml:"key"`
	Hash     string `json:"hash" yaml:"hash"`
	FileName string `json:"file_name" yaml:"file_name"`
	Status   string `json:"status" yaml:"status"`
	Icon     string `json:"icon" yaml:"icon"`
}

// Reply is the answer to one request.
type Reply struct {
	EventID string    `json:"event_id" yaml:"event_id"`
	Kind    string    `json:"kind" yaml:"kind"`
	Owner   int64     `json:"owner" yaml:"owner"`
	Outcome string    `json:"outcome" yaml:"outcome"` // ok, info or error
	Text    string    `json:"text" yaml:"text"`
	Record  *Job      `json:"record,omitempty" yaml:"record,omitempty"`
	View    *View     `json:"view,omitempty" yaml:"view,omitempty"`
	Jobs    []Summary `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error" yaml:"error"`
}

type sweepResponse struct {
	Crashed int `json:"crashed" yaml:"crashed"`
}
