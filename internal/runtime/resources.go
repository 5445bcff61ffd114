//go:build linux

package runtime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyRlimits raises the NOFILE soft limit to noFile (>0) before spawning
// the agent. Children inherit it.
func ApplyRlimits(noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		return fmt.Errorf("getrlimit NOFILE: %w", err)
	}
	if cur.Cur >= noFile {
		return nil
	}
	lim := &unix.Rlimit{Cur: noFile, Max: cur.Max}
	if noFile > cur.Max {
		lim.Cur = cur.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	return nil
}
