//go:build linux

package proc

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setParentDeathSignal asks the kernel to send SIGTERM to the child
// when its parent dies.
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = unix.SIGTERM
}
