package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/carlosprados/wingman/internal/errdefs"
	sysrt "github.com/carlosprados/wingman/internal/runtime"
	"github.com/rs/zerolog/log"
)

// PIDFile is the machine-wide record of which host process is downloading.
// Writers hold an exclusive lock while truncating and writing; readers hold
// a shared lock. A PID that is no longer alive is stale and is removed by
// whichever caller observes it.
type PIDFile struct {
	path  string
	alive func(pid int) bool
}

// NewPIDFile returns a registry backed by path (normally bin/download.pid).
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, alive: sysrt.IsProcessRunning}
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Holder returns the live PID recorded in the file, or 0 when the file is
// absent, empty, unparsable or stale. Stale files are deleted.
func (p *PIDFile) Holder(ctx context.Context) (int, error) {
	l, err := acquire(ctx, p.path, os.O_RDWR, false)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer l.Release()
	pid := readPID(l.f)
	if pid > 0 && p.alive(pid) {
		return pid, nil
	}
	p.discard(l.f, pid)
	return 0, nil
}

// Acquire records self as the active downloader. When a live foreign PID is
// recorded it returns an ANOTHER_DOWNLOAD_IN_PROGRESS error and leaves the
// file alone.
func (p *PIDFile) Acquire(ctx context.Context, self int) error {
	l, err := Acquire(ctx, p.path, true)
	if err != nil {
		return err
	}
	defer l.Release()
	if pid := readPID(l.f); pid > 0 && pid != self && p.alive(pid) {
		return errdefs.Wrap(errdefs.AnotherDownloadInProgress, "acquire download.pid", fmt.Errorf("held by pid %d", pid))
	}
	if err := l.f.Truncate(0); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "truncate download.pid", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(self)), 0); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "write download.pid", err)
	}
	if err := l.f.Sync(); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "sync download.pid", err)
	}
	log.Debug().Int("pid", self).Msg("download lock acquired")
	return nil
}

// Release deletes the file if it still records self.
func (p *PIDFile) Release(ctx context.Context, self int) error {
	l, err := acquire(ctx, p.path, os.O_RDWR, true)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer l.Release()
	if pid := readPID(l.f); pid != self {
		return nil
	}
	p.discard(l.f, self)
	log.Debug().Int("pid", self).Msg("download lock released")
	return nil
}

// discard removes the file, falling back to truncation where an open file
// cannot be removed.
func (p *PIDFile) discard(f *os.File, pid int) {
	if err := os.Remove(p.path); err != nil {
		_ = f.Truncate(0)
	}
	if pid > 0 {
		log.Info().Int("pid", pid).Str("file", p.path).Msg("removed download.pid")
	}
}

func readPID(f *os.File) int {
	b, err := io.ReadAll(io.NewSectionReader(f, 0, 32))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
