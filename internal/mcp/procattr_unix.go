//go:build unix && !linux

package mcp

import "syscall"

// procAttr places a detached subprocess in its own process group. There
// is no portable parent-death signal outside Linux, so tied subprocesses
// rely on Close and on stdin reaching EOF when Switchboard exits.
func procAttr(detach bool) *syscall.SysProcAttr {
	if detach {
		return &syscall.SysProcAttr{Setpgid: true}
	}
	return nil
}
