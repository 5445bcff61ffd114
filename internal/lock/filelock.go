// Package lock provides the cross-process download.pid registry, OS file
// locks, and per-identity in-process locks.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/carlosprados/wingman/internal/errdefs"
)

// DefaultTimeout bounds how long lock acquisition waits.
const DefaultTimeout = 10 * time.Second

const pollInterval = 25 * time.Millisecond

// FileLock is an OS advisory lock held on an open file.
type FileLock struct {
	f *os.File
}

// File returns the locked file.
func (l *FileLock) File() *os.File { return l.f }

// Release unlocks and closes the file.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	uerr := unlockFile(l.f)
	cerr := l.f.Close()
	l.f = nil
	if uerr != nil {
		return uerr
	}
	return cerr
}

// Acquire opens path (creating it and its directory) and takes a shared or
// exclusive lock, polling until ctx is done or DefaultTimeout elapses.
func Acquire(ctx context.Context, path string, exclusive bool) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.FSPermission, "create lock dir", err)
	}
	return acquire(ctx, path, os.O_RDWR|os.O_CREATE, exclusive)
}

// acquire retries until the lock is held on the file currently at path.
// A file replaced or removed while we waited is reopened.
func acquire(ctx context.Context, path string, flag int, exclusive bool) (*FileLock, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	for {
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return nil, err
		}
		err = waitLock(ctx, f, exclusive)
		if err != nil {
			f.Close()
			return nil, err
		}
		if sameFile(f, path) {
			return &FileLock{f: f}, nil
		}
		_ = unlockFile(f)
		f.Close()
	}
}

func waitLock(ctx context.Context, f *os.File, exclusive bool) error {
	for {
		err := lockFile(f, exclusive)
		if err == nil {
			return nil
		}
		if !isWouldBlock(err) {
			return fmt.Errorf("lock %s: %w", filepath.Base(f.Name()), err)
		}
		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.LockTimeout, "lock "+filepath.Base(f.Name()), ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func sameFile(f *os.File, path string) bool {
	a, err := f.Stat()
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}
