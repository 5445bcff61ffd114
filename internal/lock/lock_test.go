package lock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T, live ...int) *PIDFile {
	t.Helper()
	p := NewPIDFile(filepath.Join(t.TempDir(), "bin", "download.pid"))
	alive := map[int]bool{}
	for _, pid := range live {
		alive[pid] = true
	}
	p.alive = func(pid int) bool { return alive[pid] }
	return p
}

func TestPIDFileAcquireRelease(t *testing.T) {
	ctx := context.Background()
	p := newTestPIDFile(t, 100)

	holder, err := p.Holder(ctx)
	require.NoError(t, err)
	assert.Zero(t, holder)

	require.NoError(t, p.Acquire(ctx, 100))
	b, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	assert.Equal(t, "100", string(b))

	holder, err = p.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, holder)

	// a foreign release leaves the file alone
	require.NoError(t, p.Release(ctx, 200))
	_, err = os.Stat(p.Path())
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx, 100))
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFileLiveForeignHolderBlocks(t *testing.T) {
	ctx := context.Background()
	p := newTestPIDFile(t, 100, 200)
	require.NoError(t, p.Acquire(ctx, 100))

	err := p.Acquire(ctx, 200)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.AnotherDownloadInProgress))

	b, _ := os.ReadFile(p.Path())
	assert.Equal(t, "100", string(b))
}

func TestPIDFileStaleIsDeletedOnObservation(t *testing.T) {
	ctx := context.Background()
	p := newTestPIDFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("424242"), 0o644))

	holder, err := p.Holder(ctx)
	require.NoError(t, err)
	assert.Zero(t, holder)
	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFileGarbageIsStale(t *testing.T) {
	ctx := context.Background()
	p := newTestPIDFile(t, 7)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte("not-a-pid"), 0o644))

	require.NoError(t, p.Acquire(ctx, 7))
	b, _ := os.ReadFile(p.Path())
	assert.Equal(t, "7", string(b))
}

func TestPIDFileConcurrentAcquireOneWinner(t *testing.T) {
	ctx := context.Background()
	pids := []int{11, 12, 13, 14, 15, 16}
	p := newTestPIDFile(t, pids...)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			q := &PIDFile{path: p.path, alive: p.alive}
			if err := q.Acquire(ctx, pid); err == nil {
				wins.Add(1)
			} else {
				assert.True(t, errdefs.Is(err, errdefs.AnotherDownloadInProgress))
			}
		}(pid)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	b, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(b))
	require.NoError(t, err)
	assert.Contains(t, pids, pid)
}

func TestFileLockExclusiveTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.lock")
	l, err := Acquire(context.Background(), path, true)
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, true)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.LockTimeout))
}

func TestKeyedSerializesPerKey(t *testing.T) {
	k := NewKeyed()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("1-2")
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, k.Len())
}

func TestKeyedIndependentKeysAndContext(t *testing.T) {
	k := NewKeyed()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := k.LockContext(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA()
	assert.Zero(t, k.Len())
}

func TestKeyedIsNotReentrant(t *testing.T) {
	k := NewKeyed()
	unlock := k.Lock("7-9")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	again, err := k.LockContext(ctx, "7-9")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, again)
	assert.Equal(t, 1, k.Len())

	unlock()
	relock, err := k.LockContext(context.Background(), "7-9")
	require.NoError(t, err)
	relock()
	assert.Zero(t, k.Len())
}
