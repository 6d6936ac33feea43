package manager

import (
	"fmt"
	"strings"

	"github.com/loykin/scripthost/internal/job"
	"github.com/loykin/scripthost/internal/process"
)

// Action is a lifecycle command a user can request for a job.
type Action int

const (
	ActionStart Action = iota
	ActionStop
	ActionRestart
	ActionDelete
)

var actionNames = []string{"start", "stop", "restart", "delete"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// ParseAction maps a name to an Action.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range actionNames {
		if n == s {
			return Action(i), nil
		}
	}
	return 0, job.Errorf(job.ErrInvalid, "parse action", "unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	if a < 0 || int(a) >= len(actionNames) {
		return nil, fmt.Errorf("invalid action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AvailableActions lists what makes sense for a job in status st.
func AvailableActions(st job.Status) []Action {
	if st == job.StatusRunning {
		return []Action{ActionStop, ActionRestart, ActionDelete}
	}
	return []Action{ActionStart, ActionRestart, ActionDelete}
}

// View is the detailed status of one job.
type View struct {
	Record  job.Record     `json:"record" yaml:"record"`
	Key     string         `json:"key" yaml:"key"`
	Uptime  string         `json:"uptime" yaml:"uptime"`
	Usage   *process.Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
	Actions []Action       `json:"actions" yaml:"actions"`
}

// Summary is one line of an owner's job listing.
type Summary struct {
	Key      string     `json:"key" yaml:"key"`
	Hash     string     `json:"hash" yaml:"hash"`
	FileName string     `json:"file_name" yaml:"file_name"`
	Status   job.Status `json:"status" yaml:"status"`
	Icon     string     `json:"icon" yaml:"icon"`
}

func summarize(rec job.Record) Summary {
	return Summary{
		Key:      rec.Key().String(),
		Hash:     rec.Hash,
		FileName: rec.FileName,
		Status:   rec.Status,
		Icon:     rec.Status.Icon(),
	}
}
