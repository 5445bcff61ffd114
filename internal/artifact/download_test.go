package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	started   []string
	fractions []float64
	texts     []string
	finished  []bool
	cancel    bool
}

func (r *recorder) Start(title string) {
	r.mu.Lock()
	r.started = append(r.started, title)
	r.mu.Unlock()
}

func (r *recorder) Update(f float64, text string) {
	r.mu.Lock()
	r.fractions = append(r.fractions, f)
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *recorder) Finish(ok bool, _ string) {
	r.mu.Lock()
	r.finished = append(r.finished, ok)
	r.mu.Unlock()
}

func (r *recorder) Cancelled() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.cancel }

func TestDownloadWritesFileAndReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "ide", r.Header.Get("X-ClientInfo"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp", "agent.bin")
	e := NewEngine(Options{UserAgent: "test-agent", ProgressInterval: time.Nanosecond})
	rec := &recorder{}
	res, err := e.Download(context.Background(), Request{URL: srv.URL + "/agent.bin", Dest: dest, Headers: map[string]string{"X-ClientInfo": "ide"}}, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.Bytes)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NotEmpty(t, rec.fractions)
	assert.Equal(t, 1.0, rec.fractions[len(rec.fractions)-1])
	assert.Contains(t, rec.texts[len(rec.texts)-1], "of 64 KB")
	assert.Equal(t, []bool{true}, rec.finished)
	assert.Len(t, rec.started, 1)
}

func TestCompletionUpdateIsReportedOnce(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 32*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()
	dir := t.TempDir()

	// slow interval: only the completion update goes out
	rec := &recorder{}
	e := NewEngine(Options{ProgressInterval: time.Hour})
	_, err := e.Download(context.Background(), Request{URL: srv.URL + "/a", Dest: filepath.Join(dir, "a")}, rec)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, rec.fractions)

	// every chunk reported: the last one already says 100%
	rec = &recorder{}
	e = NewEngine(Options{ProgressInterval: time.Nanosecond})
	_, err = e.Download(context.Background(), Request{URL: srv.URL + "/b", Dest: filepath.Join(dir, "b")}, rec)
	require.NoError(t, err)
	complete := 0
	for _, f := range rec.fractions {
		if f == 1 {
			complete++
		}
	}
	assert.Equal(t, 1, complete)
}

func TestDownloadHTTPErrorRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "agent.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	rec := &recorder{}
	_, err := NewEngine(Options{}).Download(context.Background(), Request{URL: srv.URL, Dest: dest}, rec)
	require.Error(t, err)
	assert.Equal(t, "DOWNLOAD_HTTP_404", errdefs.Code(err))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, []bool{false}, rec.finished)
}

func TestDownloadCancelledBySink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 32*1024))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "agent.bin")
	rec := &recorder{cancel: true}
	_, err := NewEngine(Options{}).Download(context.Background(), Request{URL: srv.URL, Dest: dest}, rec)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.DownloadCancelled))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadConnectionRefusedIsIO(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewEngine(Options{}).Download(context.Background(), Request{URL: url, Dest: filepath.Join(t.TempDir(), "x")}, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.DownloadIO, errdefs.KindOf(err))
}

func TestGoDeliversResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) }))
	defer srv.Close()

	e := NewEngine(Options{})
	ch := make(chan Result, 1)
	e.Go(context.Background(), Request{URL: srv.URL, Dest: filepath.Join(t.TempDir(), "f")}, nil, func(r Result) { ch <- r })
	e.Wait()
	res := <-ch
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Bytes)
}

func TestProgressTextUnknownLength(t *testing.T) {
	assert.Equal(t, -1.0, fraction(10, -1))
	assert.Equal(t, "2 KB (2.0 KB/s)", progressText(2048, -1, time.Second))
	assert.Equal(t, "1 of 4 KB (1.0 KB/s)", progressText(1024, 4096, time.Second))
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestUnpackZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "tools.zip")
	writeZip(t, archive, map[string]string{"tools/version.txt": "1.4.0", "tools/bin/rg": "#!/bin/sh\n"})

	target := filepath.Join(dir, "out")
	require.NoError(t, Unpack(archive, target))
	b, err := os.ReadFile(filepath.Join(target, "tools", "version.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", string(b))
}

func TestUnpackRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../escape.txt": "x"})
	assert.Error(t, Unpack(archive, filepath.Join(dir, "out")))
	_, err := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestPruneAndSameContent(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"bitowingman-1.3.0-linux-x64.exe", "bitowingman-1.4.0-linux-x64.exe", "download.pid"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(n), 0o644))
	}
	removed, err := Prune(dir, func(n string) bool { return filepath.Ext(n) == ".exe" },
		map[string]struct{}{"bitowingman-1.4.0-linux-x64.exe": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bitowingman-1.3.0-linux-x64.exe"}, removed)

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))
	assert.True(t, SameContent(a, b))
	require.NoError(t, os.WriteFile(b, []byte("diff"), 0o644))
	assert.False(t, SameContent(a, b))
	assert.False(t, SameContent(a, filepath.Join(dir, "missing")))
}
