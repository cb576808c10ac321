// Package proc wraps process spawning and child reaping for the
// validator and its workers.
//
// The validator starts runner processes with inherited pipe
// descriptors, then reaps them either one at a time without blocking
// (the event-loop path) or all at once with blocking (the shutdown
// path). Reaping goes through wait(2) directly so any child of the
// process can be collected regardless of which call spawned it.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnError reports a failed process start.
type SpawnError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return "cannot spawn " + e.Path + ": " + e.Cause.Error()
}

// Unwrap returns the underlying cause error.
func (e *SpawnError) Unwrap() error { return e.Cause }

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	// Files are extra descriptors inherited by the child, mapped to
	// descriptors 3, 4, ... in order.
	Files []*os.File

	// DieWithParent asks the kernel to deliver a termination signal to
	// the child if this process dies, so runners never outlive a
	// crashed validator. Honored on linux; a no-op elsewhere.
	DieWithParent bool
}

// Spawn starts the binary at path with the given argument vector
// (argv[0] excluded; it is derived from path). The child inherits
// stdin, stdout, and stderr plus opts.Files, and runs detached from
// any exec.Cmd bookkeeping: reap it with WaitAny or WaitAll.
//
// Returns the child pid.
func Spawn(path string, args []string, opts SpawnOptions) (int, error) {
	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	files = append(files, opts.Files...)

	attr := &os.ProcAttr{
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	}
	if opts.DieWithParent {
		setParentDeathSignal(attr.Sys)
	}

	argv := append([]string{path}, args...)
	p, err := os.StartProcess(path, argv, attr)
	if err != nil {
		return 0, &SpawnError{Path: path, Cause: err}
	}
	pid := p.Pid
	// Detach the os.Process handle; wait(2) below does the reaping.
	_ = p.Release()
	return pid, nil
}

// WaitOutcome classifies the result of a non-blocking reap attempt.
type WaitOutcome int

const (
	// WaitNone means no child was ready to be reaped.
	WaitNone WaitOutcome = iota

	// WaitOK means one child was reaped and had exited cleanly.
	WaitOK

	// WaitFailed means one child was reaped and had exited with a
	// non-zero status or died on a signal.
	WaitFailed
)

// WaitAny reaps a single terminated child if one is available, without
// blocking. The returned pid is zero when outcome is WaitNone.
func WaitAny() (pid int, outcome WaitOutcome, err error) {
	var ws unix.WaitStatus
	pid, err = unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	switch {
	case err == unix.ECHILD:
		return 0, WaitNone, nil
	case err != nil:
		return 0, WaitNone, fmt.Errorf("wait failed: %w", err)
	case pid == 0:
		return 0, WaitNone, nil
	}
	if ws.Exited() && ws.ExitStatus() == 0 {
		return pid, WaitOK, nil
	}
	return pid, WaitFailed, nil
}

// WaitAll blocks until every child of the process has been reaped.
// Returns an error if any child exited non-zero or died abnormally.
func WaitAll() error {
	var failed []int
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.ECHILD {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait failed: %w", err)
		}
		if !ws.Exited() || ws.ExitStatus() != 0 {
			failed = append(failed, pid)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("children exited abnormally: %v", failed)
	}
	return nil
}

// FindSibling resolves the path of a binary expected to live next to
// the current executable, falling back to PATH lookup.
func FindSibling(name string) (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.New("cannot locate sibling binary " + name)
	}
	return path, nil
}
