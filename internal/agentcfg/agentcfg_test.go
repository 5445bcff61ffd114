package agentcfg

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var id = identity.New(1, 2)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(install.NewLayout(t.TempDir()))
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestParseRejectsBadShapes(t *testing.T) {
	_, err := Parse([]byte(`{"server":{"api":{"port":"high"}}}`))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ConfigParse))

	_, err = Parse([]byte(`not json`))
	assert.True(t, errdefs.Is(err, errdefs.ConfigParse))

	d, err := Parse([]byte(`{"server":{"api":{"host":"localhost","port":3501}},"custom":{"keep":1.5}}`))
	require.NoError(t, err)
	p, ok := d.Port()
	require.True(t, ok)
	assert.Equal(t, 3501, p)
	b, err := d.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"keep": 1.5`)
}

func TestReconcileMaterializesMissingFiles(t *testing.T) {
	s := newStore(t)
	changed, err := s.Reconcile(context.Background(), id, ServerInfo{Port: 3501})
	require.NoError(t, err)
	assert.False(t, changed)

	live := read(t, s.Layout.ConfigFile(id))
	assert.Equal(t, live, read(t, s.Layout.BackupConfigFile(id)))
	d, err := s.Read(id)
	require.NoError(t, err)
	p, _ := d.Port()
	assert.Equal(t, 3501, p)
	tools, _ := d.ToolsDir()
	assert.Equal(t, s.Layout.ToolsDir(), tools)
	env, _ := d.EnvFilePath()
	assert.Equal(t, s.Layout.IdentityEnvFile(id), env)
}

func TestReconcileBackupWins(t *testing.T) {
	s := newStore(t)
	write(t, s.Layout.ConfigFile(id), `{"server":{"api":{"host":"localhost","port":4000}},"paths":{"toolsDir":"/tmp/other"},"responseLanguage":"fr"}`)
	write(t, s.Layout.BackupConfigFile(id), `{"server":{"api":{"host":"localhost","port":3600}},"paths":{"toolsDir":"/opt/tools"}}`)

	changed, err := s.Reconcile(context.Background(), id, ServerInfo{})
	require.NoError(t, err)
	assert.True(t, changed)

	d, err := s.Read(id)
	require.NoError(t, err)
	p, _ := d.Port()
	assert.Equal(t, 3600, p)
	tools, _ := d.ToolsDir()
	assert.Equal(t, "/opt/tools", tools)
	lang, _ := d.ResponseLanguage()
	assert.Equal(t, "fr", lang, "unmanaged keys survive")
	assert.Equal(t, read(t, s.Layout.ConfigFile(id)), read(t, s.Layout.BackupConfigFile(id)))
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := newStore(t)
	write(t, s.Layout.ConfigFile(id), `{"server":{"api":{"port":4000}},"paths":{"toolsDir":"/a"}}`)
	write(t, s.Layout.BackupConfigFile(id), `{"server":{"api":{"port":3600}},"paths":{"toolsDir":"/b"}}`)

	_, err := s.Reconcile(context.Background(), id, ServerInfo{})
	require.NoError(t, err)
	first := read(t, s.Layout.ConfigFile(id))

	changed, err := s.Reconcile(context.Background(), id, ServerInfo{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, read(t, s.Layout.ConfigFile(id)))
}

func TestReconcileCorruptBackupFails(t *testing.T) {
	s := newStore(t)
	write(t, s.Layout.ConfigFile(id), `{"server":{"api":{"port":4000}}}`)
	write(t, s.Layout.BackupConfigFile(id), `{broken`)
	_, err := s.Reconcile(context.Background(), id, ServerInfo{})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.ConfigParse))

	// the lock was released on failure
	require.NoError(t, s.SetResponseLanguage(context.Background(), id, "de"))
}

func TestSetServerAndLanguageUpdateBoth(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetServer(ctx, id, ServerInfo{Host: "localhost", Port: 3502, ToolsDir: "/opt/t"}))
	require.NoError(t, s.SetResponseLanguage(ctx, id, "es"))

	for _, p := range []string{s.Layout.ConfigFile(id), s.Layout.BackupConfigFile(id)} {
		d, err := Load(p)
		require.NoError(t, err)
		port, _ := d.Port()
		assert.Equal(t, 3502, port)
		lang, _ := d.ResponseLanguage()
		assert.Equal(t, "es", lang)
	}
}

func TestConcurrentSetServerSerializes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			assert.NoError(t, s.SetServer(ctx, id, ServerInfo{Port: port}))
		}(3500 + i)
	}
	wg.Wait()
	assert.Equal(t, read(t, s.Layout.ConfigFile(id)), read(t, s.Layout.BackupConfigFile(id)))
}
