package runner

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ExitInfo describes how a child terminated.
type ExitInfo struct {
	PID      int
	Code     int    // exit status when the child exited normally
	Signaled bool   // true when the child was killed by a signal
	Signal   string // signal name when Signaled
}

// String implements fmt.Stringer.
func (e ExitInfo) String() string {
	if e.Signaled {
		return fmt.Sprintf("pid %d killed by %s", e.PID, e.Signal)
	}
	return fmt.Sprintf("pid %d exited with status %d", e.PID, e.Code)
}

// Prober tests whether a tracked child has terminated.
//
// Probe returns exited=true exactly once per terminated child. An error means
// liveness could not be determined and the caller should treat the pid as
// still running.
type Prober interface {
	Probe(pid int) (exited bool, info ExitInfo, err error)
}

// WaitProber probes children with a non-blocking wait4, which also reaps them.
type WaitProber struct{}

// Probe implements Prober.
func (WaitProber) Probe(pid int) (bool, ExitInfo, error) {
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// Not a waitable child any more: it was reaped elsewhere or never
			// belonged to us. Either way it no longer occupies a slot.
			return true, ExitInfo{PID: pid, Code: -1}, nil
		case err != nil:
			return false, ExitInfo{}, fmt.Errorf("wait4 pid %d: %w", pid, err)
		case wpid == 0:
			return false, ExitInfo{}, nil
		}

		// Stopped/continued children are still alive.
		if !status.Exited() && !status.Signaled() {
			return false, ExitInfo{}, nil
		}
		info := ExitInfo{PID: pid, Code: status.ExitStatus()}
		if status.Signaled() {
			info.Signaled = true
			info.Signal = unix.SignalName(status.Signal())
		}
		return true, info, nil
	}
}
