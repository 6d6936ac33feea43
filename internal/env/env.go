// Package env composes the environment handed to hosted scripts.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetAll applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.Set(k, v)
		}
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perJob (slice of "K=V") overrides
// ${VAR} references are expanded against the composed map (one pass).
// The result is sorted by key.
func (e *Env) Merge(perJob []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perJob))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perJob {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// ForVirtualenv returns the per-job variables that activate the environment
// at envDir: VIRTUAL_ENV, PATH with the env's bin first, and unbuffered
// python output so logs are written as they happen.
func (e *Env) ForVirtualenv(envDir string) []string {
	path := ""
	if v, ok := e.Var["PATH"]; ok {
		path = v
	} else {
		if e.env == nil {
			e.FromOS()
		}
		path = e.env["PATH"]
	}
	bin := filepath.Join(envDir, "bin")
	if path != "" {
		path = bin + string(os.PathListSeparator) + path
	} else {
		path = bin
	}
	return []string{
		"VIRTUAL_ENV=" + envDir,
		"PATH=" + path,
		"PYTHONUNBUFFERED=1",
	}
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

// LoadFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
		}
	}
	return out, nil
}
