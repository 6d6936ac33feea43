package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the durable description of one hosted job.
//
// PID is 0 whenever the job is not running. In JSON a zero PID is written
// as null and null reads back as 0.
type Record struct {
	OwnerID               int64      `json:"owner_id"`
	Hash                  string     `json:"content_hash"`
	FileName              string     `json:"file_name"`
	Status                Status     `json:"status"`
	CreatedAt             time.Time  `json:"created_at"`
	StartedAt             *time.Time `json:"started_at"`
	StoppedAt             *time.Time `json:"stopped_at"`
	CrashCount            int        `json:"crash_count"`
	PID                   int        `json:"pid"`
	DependenciesInstalled bool       `json:"dependencies_installed"`
}

type plainRecord Record

func (r Record) MarshalJSON() ([]byte, error) {
	var pid *int
	if r.PID != 0 {
		p := r.PID
		pid = &p
	}
	return json.Marshal(struct {
		plainRecord
		PID *int `json:"pid"`
	}{plainRecord(r), pid})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	aux := struct {
		*plainRecord
		PID *int `json:"pid"`
	}{plainRecord: (*plainRecord)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.PID = 0
	if aux.PID != nil {
		r.PID = *aux.PID
	}
	return nil
}

// New returns a fresh stopped record.
func New(key Key, fileName string, now time.Time) Record {
	return Record{
		OwnerID:   key.OwnerID,
		Hash:      key.Hash,
		FileName:  fileName,
		Status:    StatusStopped,
		CreatedAt: now,
	}
}

func (r Record) Key() Key { return Key{OwnerID: r.OwnerID, Hash: r.Hash} }

// Clone returns a deep copy; timestamps are pointers and must not be shared
// between the supervisor and the registry.
func (r Record) Clone() Record {
	c := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		c.StoppedAt = &t
	}
	return c
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	var errs []error
	if r.Status == StatusRunning && r.PID <= 0 {
		errs = append(errs, fmt.Errorf("job %s is running without a pid", r.Key()))
	}
	if r.Status != StatusRunning && r.PID != 0 {
		errs = append(errs, fmt.Errorf("job %s is %s but has pid %d", r.Key(), r.Status, r.PID))
	}
	if r.Status == StatusRunning && r.StartedAt == nil {
		errs = append(errs, fmt.Errorf("job %s is running without a start time", r.Key()))
	}
	if r.CrashCount < 0 {
		errs = append(errs, fmt.Errorf("job %s has negative crash count", r.Key()))
	}
	return errors.Join(errs...)
}

// Uptime is the time since StartedAt. ok is false unless the job is running.
func (r Record) Uptime(now time.Time) (time.Duration, bool) {
	if r.Status != StatusRunning || r.StartedAt == nil {
		return 0, false
	}
	d := now.Sub(*r.StartedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// FormatUptime renders an Uptime result as "1h 2m 3s", or "N/A".
func FormatUptime(d time.Duration, ok bool) string {
	if !ok {
		return "N/A"
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
