// Package runtime wraps OS process queries used by the lock registry and
// the supervisor.
package runtime

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// IsProcessRunning reports whether pid refers to a live process.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	// Reaped children can linger as zombies until their parent waits.
	if st, err := p.Status(); err == nil {
		for _, s := range st {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

// KillProcess sends SIGKILL (TerminateProcess on Windows) to pid.
func KillProcess(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// ParentPID returns the parent of pid, or 0 when it cannot be read.
func ParentPID(ctx context.Context, pid int) int {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	ppid, err := p.PpidWithContext(ctx)
	if err != nil {
		return 0
	}
	return int(ppid)
}
