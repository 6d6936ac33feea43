package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonArgs drops the daemon flags from args and re-adds the pid file for
// the child.
func daemonArgs(args []string, pidFile string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		name, _, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--daemonize":
			continue
		case "--pidfile", "--logfile":
			skipNext = !hasValue
			continue
		}
		out = append(out, arg)
	}
	if pidFile != "" {
		out = append(out, "--pidfile", pidFile)
	}
	return out
}

// daemonize starts this executable again in a new session without the
// daemon flags and returns the child's PID. Child output goes to logFile,
// or is discarded.
func daemonize(pidFile string, logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec 204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:], pidFile)...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec 304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if pidFile != "" {
		if err := writePidFile(pidFile, pid); err != nil {
			return pid, fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	_ = cmd.Process.Release()
	return pid, nil
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec 302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
