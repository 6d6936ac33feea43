// Package provision creates a job's isolated python environment and
// installs its declared dependencies into it.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/scripthost/internal/job"
)

const (
	DefaultPython          = "python3"
	DefaultDiagnosticLimit = 200
	DefaultMaxConcurrent   = 2
)

// Messages returned on the no-op paths.
const (
	MsgEnvExists      = "environment already exists"
	MsgEnvCreated     = "environment created"
	MsgNoDependencies = "no dependencies to install"
	MsgInstalled      = "dependencies installed"
)

// Runner executes an external tool in dir and returns its diagnostic output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, dir, name string, args ...string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	return f(ctx, dir, name, args...)
}

// ExecRunner runs commands with os/exec. Stdout is discarded; stderr is
// returned, or stdout when stderr is empty.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	// #nosec G204 -- fixed tool names with job-derived paths
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	out := stderr.String()
	if strings.TrimSpace(out) == "" {
		out = stdout.String()
	}
	return out, err
}

// Config tunes a Provisioner.
type Config struct {
	Python          string        // interpreter used to create environments
	DiagnosticLimit int           // characters of tool output kept in errors
	MaxConcurrent   int           // simultaneous tool runs across all jobs
	InstallTimeout  time.Duration // per command; zero means no limit
}

// Provisioner prepares job directories. It is safe for concurrent use;
// calls for the same dir must be serialized by the caller.
type Provisioner struct {
	cfg    Config
	runner Runner
	sem    *semaphore.Weighted
	log    *slog.Logger
}

func New(cfg Config, runner Runner, log *slog.Logger) *Provisioner {
	if cfg.Python == "" {
		cfg.Python = DefaultPython
	}
	if cfg.DiagnosticLimit <= 0 {
		cfg.DiagnosticLimit = DefaultDiagnosticLimit
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		cfg:    cfg,
		runner: runner,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:    log,
	}
}

// HasEnvironment reports whether dir already holds a usable interpreter.
func HasEnvironment(dir string) bool {
	fi, err := os.Stat(job.Interpreter(dir))
	return err == nil && !fi.IsDir()
}

// HasManifest reports whether dir declares dependencies.
func HasManifest(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, job.ManifestName))
	return err == nil
}

// EnsureEnvironment creates the environment of dir unless it exists.
func (p *Provisioner) EnsureEnvironment(ctx context.Context, dir string) (string, error) {
	if HasEnvironment(dir) {
		return MsgEnvExists, nil
	}
	out, err := p.run(ctx, dir, p.cfg.Python, "-m", "venv", job.EnvDir(dir))
	if err != nil {
		p.log.Warn("environment creation failed", "dir", dir, "error", err)
		return "", &job.Error{
			Kind:   job.ErrProvisioning,
			Op:     "ensure environment",
			Detail: "failed to create environment: " + p.diagnostic(out, err),
		}
	}
	if !HasEnvironment(dir) {
		return "", job.Errorf(job.ErrProvisioning, "ensure environment", "interpreter missing after environment creation")
	}
	p.log.Info("environment created", "dir", dir)
	return MsgEnvCreated, nil
}

// InstallDependencies installs the manifest of dir into its environment.
// Without a manifest it succeeds without doing anything.
func (p *Provisioner) InstallDependencies(ctx context.Context, dir string) (string, error) {
	if !HasManifest(dir) {
		return MsgNoDependencies, nil
	}
	if _, err := p.EnsureEnvironment(ctx, dir); err != nil {
		return "", err
	}
	out, err := p.run(ctx, dir, job.Installer(dir), "install", "-r", job.ManifestName)
	if err != nil {
		p.log.Warn("dependency install failed", "dir", dir, "error", err)
		return "", &job.Error{
			Kind:   job.ErrProvisioning,
			Op:     "install dependencies",
			Detail: "failed to install dependencies: " + p.diagnostic(out, err),
		}
	}
	p.log.Info("dependencies installed", "dir", dir)
	return MsgInstalled, nil
}

func (p *Provisioner) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	if p.cfg.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.InstallTimeout)
		defer cancel()
	}
	out, err := p.runner.Run(ctx, dir, name, args...)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return out, err
}

// diagnostic keeps the tail of the tool output, or the error text when the
// tool printed nothing.
func (p *Provisioner) diagnostic(out string, err error) string {
	s := strings.TrimSpace(out)
	if s == "" && err != nil {
		s = err.Error()
	}
	return Tail(s, p.cfg.DiagnosticLimit)
}

// Tail returns the last n characters of s.
func Tail(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
