//go:build !windows

package process

import "syscall"

// sessionAttrs places the child in a new session, which is also a new
// process group led by the child. Signals sent to -pid reach every
// process the script forks unless it changes group itself.
func sessionAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
