package state

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	writerEnv      = "WINGMAN_STATE_WRITER"
	writerCountEnv = "WINGMAN_STATE_WRITER_COUNT"
)

// TestMain doubles as a second host process: with writerEnv set it bumps
// the port in the named status file writerCountEnv times and exits.
func TestMain(m *testing.M) {
	if path := os.Getenv(writerEnv); path != "" {
		n, _ := strconv.Atoi(os.Getenv(writerCountEnv))
		for i := 0; i < n; i++ {
			if _, err := Update(path, func(m *InstallManifest) { m.Port++ }); err != nil {
				os.Exit(1)
			}
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestUpdateAcrossProcesses(t *testing.T) {
	const perWriter = 150
	path := filepath.Join(t.TempDir(), "downloadedBinary.json")
	require.NoError(t, Save(path, InstallManifest{}))

	var cmds []*exec.Cmd
	for i := 0; i < 2; i++ {
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), writerEnv+"="+path, writerCountEnv+"="+strconv.Itoa(perWriter))
		require.NoError(t, cmd.Start())
		cmds = append(cmds, cmd)
	}
	for i := 0; i < perWriter; i++ {
		_, err := Update(path, func(m *InstallManifest) { m.Port++ })
		require.NoError(t, err)
	}
	for _, cmd := range cmds {
		require.NoError(t, cmd.Wait())
	}

	m, found, err := Load(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3*perWriter, m.Port)

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLoadAbsentIsNotDownloaded(t *testing.T) {
	m, found, err := Load(filepath.Join(t.TempDir(), "downloadedBinary.json"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, m.IsDownloaded)
}

func TestSaveUsesWireKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloadedBinary.json")
	in := InstallManifest{
		BinaryDir: "/home/u/.bitowingman/bin", BinaryName: "bitowingman-1.4.0-darwin-arm64",
		Host: "localhost", Port: 3501, IsDownloaded: true, DownloadStartedByUserID: 2, InstalledVersion: "1.4.0",
	}
	require.NoError(t, Save(path, in))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{"binaryDir", "binaryName", "host", "port", "isDownloaded", "errorMsg", "downloadStartedByUserID", "installedVersion"} {
		assert.Contains(t, string(b), `"`+key+`"`)
	}
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	out, found, err := Load(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
	assert.Equal(t, filepath.Join(in.BinaryDir, in.BinaryName), out.BinaryPath())
}

func TestUpdateMergesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloadedBinary.json")
	_, err := Update(path, func(m *InstallManifest) { m.DownloadStartedByUserID = 7 })
	require.NoError(t, err)
	got, err := Update(path, func(m *InstallManifest) { m.ErrorMsg = "DOWNLOAD_IO" })
	require.NoError(t, err)
	assert.Equal(t, 7, got.DownloadStartedByUserID)
	assert.Equal(t, "DOWNLOAD_IO", got.ErrorMsg)
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloadedBinary.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, found, err := Load(path)
	assert.True(t, found)
	assert.Error(t, err)
}
