//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs detaches the child into its own session so that it
// survives the terminal.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
