package executor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// procAttr gives the child its own process group and asks the kernel to send
// it SIGTERM when the supervisor dies.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGTERM,
	}
}
