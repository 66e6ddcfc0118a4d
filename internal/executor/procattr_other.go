//go:build unix && !linux

package executor

import "syscall"

// procAttr gives the child its own process group. There is no parent-death
// signal outside Linux; the child is only cleaned up on context cancellation.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
