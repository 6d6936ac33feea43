//go:build !windows

// Package process is the OS layer under the supervisor: it spawns a job's
// interpreter in its own session, probes a pid for liveness, tears down a
// process tree and samples resource usage.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/scripthost/internal/logger"
)

// DefaultWaitDelay bounds how long Wait keeps copying output after the
// child exits.
const DefaultWaitDelay = 2 * time.Second

// Spec describes one child process.
type Spec struct {
	Name      string        // used in log attributes
	Path      string        // interpreter
	Args      []string      // arguments after Path
	Dir       string        // working directory
	Env       []string      // full environment, KEY=VALUE
	Log       logger.Config // child stdout/stderr destination
	WaitDelay time.Duration
}

// Validate reports whether the spec can be started.
func (s Spec) Validate() error {
	if s.Path == "" {
		return errors.New("process: empty interpreter path")
	}
	if s.Dir != "" {
		fi, err := os.Stat(s.Dir)
		if err != nil {
			return fmt.Errorf("process: work dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("process: work dir %s is not a directory", s.Dir)
		}
	}
	return nil
}

func (s Spec) command() *exec.Cmd {
	// #nosec G204 -- the interpreter path is derived from the job layout
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	cmd.SysProcAttr = sessionAttrs()
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	return cmd
}

// Child is a started process. A goroutine owns cmd.Wait and closes Done
// when the process has been reaped.
type Child struct {
	Pid       int
	StartedAt time.Time

	cmd     *exec.Cmd
	done    chan struct{}
	mu      sync.Mutex
	waitErr error
	closers []io.Closer
}

// Start spawns the process described by spec.
func Start(spec Spec) (*Child, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.command()

	outW, errW, err := spec.Log.Writers()
	if err != nil {
		return nil, err
	}
	c := &Child{cmd: cmd, done: make(chan struct{})}
	if outW != nil {
		cmd.Stdout = outW
		c.closers = append(c.closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		c.closers = append(c.closers, errW)
	}

	if err := cmd.Start(); err != nil {
		c.closeWriters()
		return nil, err
	}
	c.Pid = cmd.Process.Pid
	c.StartedAt = time.Now()
	go c.wait()
	return c, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	c.mu.Unlock()
	c.closeWriters()
	close(c.done)
}

func (c *Child) closeWriters() {
	for _, w := range c.closers {
		_ = w.Close()
	}
	c.closers = nil
}

// Done is closed once the process has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exited reports whether the process has been reaped.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the Wait error once the process has exited.
func (c *Child) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// Wait blocks until the process exits or ctx ends.
func (c *Child) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
