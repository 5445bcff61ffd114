package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServesReleaseDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"),
		[]byte(`{"wingmanVersion":"1.4.0","toolsVersion":"1.4.0"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bitowingman-1.4.0-linux-x64.exe"), []byte("bin"), 0o644))

	srv := httptest.NewServer(newHandler(root))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/manifest.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, err = http.Get(srv.URL + "/bitowingman-1.4.0-linux-x64.exe")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "bin", string(b))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var h map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	assert.Equal(t, "ok", h["status"])
}

func TestHealthzReportsBadManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte(`{"nope":1}`), 0o644))
	srv := httptest.NewServer(newHandler(root))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var h map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "degraded", h["status"])
	assert.NotEmpty(t, h["manifest"])
}
