//go:build !unix

package mcp

import "syscall"

func procAttr(bool) *syscall.SysProcAttr {
	return nil
}
