// Package provisiontest provides a Runner that fakes environment tooling
// without a python installation.
package provisiontest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/scripthost/internal/job"
)

// Shim is the fake interpreter: it runs the "script" with /bin/sh, so
// tests submit shell snippets as job payloads.
const Shim = "#!/bin/sh\nexec /bin/sh \"$@\"\n"

// Call is one recorded tool invocation.
type Call struct {
	Dir  string
	Name string
	Args []string
}

// Runner records calls. "-m venv <path>" writes Shim as <path>/bin/python;
// anything else succeeds unless a failure was injected for it.
type Runner struct {
	mu        sync.Mutex
	calls     []Call
	FailVenv  string // non-empty: venv creation fails with this output
	FailPip   string // non-empty: pip fails with this output
	BeforeRun func(Call)
}

func (r *Runner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	c := Call{Dir: dir, Name: name, Args: append([]string(nil), args...)}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	before := r.BeforeRun
	r.mu.Unlock()
	if before != nil {
		before(c)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(args) == 3 && args[0] == "-m" && args[1] == "venv" {
		if r.FailVenv != "" {
			return r.FailVenv, errors.New("exit status 1")
		}
		return "", WriteEnv(filepath.Dir(args[2]))
	}
	if len(args) > 0 && args[0] == "install" && r.FailPip != "" {
		return r.FailPip, errors.New("exit status 1")
	}
	return "", nil
}

// Calls returns the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many calls used the given tool argument ("venv" or
// "install").
func (r *Runner) Count(kind string) int {
	n := 0
	for _, c := range r.Calls() {
		switch {
		case kind == "venv" && len(c.Args) > 1 && c.Args[1] == "venv":
			n++
		case kind == "install" && len(c.Args) > 0 && c.Args[0] == "install":
			n++
		}
	}
	return n
}

// WriteEnv installs the shim interpreter and a pip stub under dir/venv.
func WriteEnv(dir string) error {
	bin := filepath.Dir(job.Interpreter(dir))
	if err := os.MkdirAll(bin, 0o750); err != nil {
		return err
	}
	// #nosec G306 -- must be executable
	if err := os.WriteFile(job.Interpreter(dir), []byte(Shim), 0o755); err != nil {
		return err
	}
	// #nosec G306
	return os.WriteFile(job.Installer(dir), []byte("#!/bin/sh\nexit 0\n"), 0o755)
}
