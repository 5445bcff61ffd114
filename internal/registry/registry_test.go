package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "process", "wingman_process.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveFindDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.Get(ctx, "1-2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Lock(ctx, func(tx *Tx) error {
		return tx.Save(ctx, Record{WorkspaceUserID: "1-2", Port: 3501, ProcessID: 77, Status: StatusStarting})
	}))
	rec, ok, err := db.Get(ctx, "1-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "localhost", rec.Host)
	assert.Equal(t, 3501, rec.Port)
	assert.Equal(t, StatusStarting, rec.Status)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, db.Lock(ctx, func(tx *Tx) error { return tx.SetStatus(ctx, "1-2", StatusRunning) }))
	rec, _, _ = db.Get(ctx, "1-2")
	assert.Equal(t, StatusRunning, rec.Status)

	require.NoError(t, db.Lock(ctx, func(tx *Tx) error { return tx.DeleteByWorkspaceUserID(ctx, "1-2") }))
	_, ok, _ = db.Get(ctx, "1-2")
	assert.False(t, ok)

	err = db.Lock(ctx, func(tx *Tx) error { return tx.SetStatus(ctx, "1-2", StatusRunning) })
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestLockRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	boom := errors.New("boom")
	err := db.Lock(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Save(ctx, Record{WorkspaceUserID: "3-4", Port: 3600, Status: StatusStarting}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, ok, err := db.Get(ctx, "3-4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHighestPortIgnoresStopped(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.HighestPort(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Lock(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Save(ctx, Record{WorkspaceUserID: "1-1", Port: 3501, Status: StatusRunning}))
		require.NoError(t, tx.Save(ctx, Record{WorkspaceUserID: "1-2", Port: 3510, Status: StatusStopped}))
		return tx.Save(ctx, Record{WorkspaceUserID: "1-3", Port: 3503, Status: StatusStarting})
	}))
	port, ok, err := db.HighestPort(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3503, port)

	recs, err := db.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "1-1", recs[0].WorkspaceUserID)
}

func TestProjectLinks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	a := ProjectLink{WorkspaceUserID: "1-2", ProjectID: "proj-a", ProcessID: 50, ParentProcessID: 100}
	b := ProjectLink{WorkspaceUserID: "1-2", ProjectID: "proj-b", ProcessID: 50, ParentProcessID: 200}

	require.NoError(t, db.Lock(ctx, func(tx *Tx) error {
		require.NoError(t, tx.SaveProject(ctx, a))
		require.NoError(t, tx.SaveProject(ctx, a))
		return tx.SaveProject(ctx, b)
	}))

	require.NoError(t, db.Lock(ctx, func(tx *Tx) error {
		n, err := tx.CountProjects(ctx, "1-2")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		links, err := tx.FindProjects(ctx, 200, "proj-b")
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, b, links[0])

		require.NoError(t, tx.DeleteProject(ctx, links[0]))
		n, _ = tx.CountProjects(ctx, "1-2")
		assert.Equal(t, 1, n)

		pruned, err := tx.PruneProjects(ctx, "1-2", func(int) bool { return false })
		require.NoError(t, err)
		assert.Equal(t, 1, pruned)
		n, _ = tx.CountProjects(ctx, "1-2")
		assert.Zero(t, n)

		require.NoError(t, tx.SaveProject(ctx, a))
		require.NoError(t, tx.DeleteByWorkspaceUserID(ctx, "1-2"))
		n, _ = tx.CountProjects(ctx, "1-2")
		assert.Equal(t, 1, n, "record deletion keeps links")
		require.NoError(t, tx.DeleteProjects(ctx, "1-2"))
		n, _ = tx.CountProjects(ctx, "1-2")
		assert.Zero(t, n)
		return nil
	}))
}

func TestConcurrentLocksSerialize(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Lock(ctx, func(tx *Tx) error {
				port, ok, err := tx.FindHighestPort(ctx)
				if err != nil {
					return err
				}
				if !ok {
					port = 3500
				}
				return tx.Save(ctx, Record{WorkspaceUserID: "id-" + string(rune('a'+port-3500)), Port: port + 1, Status: StatusStarting})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs, err := db.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 8)
	seen := map[int]bool{}
	for _, r := range recs {
		assert.False(t, seen[r.Port], "port %d handed out twice", r.Port)
		seen[r.Port] = true
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.db")
	db, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Lock(ctx, func(tx *Tx) error {
		return tx.Save(ctx, Record{WorkspaceUserID: "9-9", Port: 3999, Status: StatusRunning})
	}))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	rec, ok, err := db.Get(ctx, "9-9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3999, rec.Port)
}
