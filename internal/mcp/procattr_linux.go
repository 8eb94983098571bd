//go:build linux

package mcp

import "syscall"

// procAttr ties a subprocess to Switchboard with a parent-death signal
// unless detach is set, in which case it gets its own process group.
func procAttr(detach bool) *syscall.SysProcAttr {
	if detach {
		return &syscall.SysProcAttr{Setpgid: true}
	}
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
