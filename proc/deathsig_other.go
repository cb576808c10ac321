//go:build !linux

package proc

import "syscall"

// setParentDeathSignal is a no-op on platforms without a
// parent-death-signal facility.
func setParentDeathSignal(_ *syscall.SysProcAttr) {}
