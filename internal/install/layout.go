// Package install owns the on-disk layout under the wingman root and the
// atomic installation of the agent binary and tools bundle.
package install

import (
	"os"
	"path/filepath"

	"github.com/carlosprados/wingman/internal/identity"
)

// File and directory names under the root.
const (
	BinDirName        = "bin"
	TempDirName       = "temp"
	ToolsDirName      = "tools"
	ToolsStagingName  = "toolsTemp"
	ToolsVersionName  = "version.txt"
	StatusFileName    = "downloadedBinary.json"
	EnvFileName       = "env"
	IdentityDirName   = "jb"
	ConfigFileName    = "config.json"
	BackupConfigName  = "config_bk.json"
	PIDFileName       = "download.pid"
	ConfigLockName    = "config.lock"
	ProcessDirName    = "process"
	ProcessDBName     = "wingman_process.db"
	DeviceIDFileName  = "deviceId"
	ControllerCfgName = "wingman.toml"
)

// Layout resolves paths under Root (normally $HOME/.bitowingman).
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) BinDir() string                { return filepath.Join(l.Root, BinDirName) }
func (l Layout) TempDir() string               { return filepath.Join(l.Root, TempDirName) }
func (l Layout) ToolsDir() string              { return filepath.Join(l.BinDir(), ToolsDirName) }
func (l Layout) ToolsStagingDir() string       { return filepath.Join(l.BinDir(), ToolsStagingName) }
func (l Layout) ToolsVersionFile() string      { return filepath.Join(l.ToolsDir(), ToolsVersionName) }
func (l Layout) BinaryPath(name string) string { return filepath.Join(l.BinDir(), name) }
func (l Layout) StagedBinaryPath(name string) string {
	return filepath.Join(l.TempDir(), name)
}
func (l Layout) StatusFile() string       { return filepath.Join(l.Root, StatusFileName) }
func (l Layout) EnvFile() string          { return filepath.Join(l.Root, EnvFileName) }
func (l Layout) PIDFile() string          { return filepath.Join(l.BinDir(), PIDFileName) }
func (l Layout) ConfigLockFile() string   { return filepath.Join(l.Root, ConfigLockName) }
func (l Layout) ProcessDB() string        { return filepath.Join(l.Root, ProcessDirName, ProcessDBName) }
func (l Layout) DeviceIDFile() string     { return filepath.Join(l.Root, DeviceIDFileName) }
func (l Layout) ControllerConfig() string { return filepath.Join(l.Root, ControllerCfgName) }

// IdentityDir is jb/<wsId-userId>.
func (l Layout) IdentityDir(id identity.Identity) string {
	return filepath.Join(l.Root, IdentityDirName, id.String())
}
func (l Layout) IdentityEnvFile(id identity.Identity) string {
	return filepath.Join(l.IdentityDir(id), EnvFileName)
}
func (l Layout) ConfigFile(id identity.Identity) string {
	return filepath.Join(l.IdentityDir(id), ConfigFileName)
}
func (l Layout) BackupConfigFile(id identity.Identity) string {
	return filepath.Join(l.IdentityDir(id), BackupConfigName)
}

// EnsureDirs creates the root and bin directories.
func (l Layout) EnsureDirs() error {
	return os.MkdirAll(l.BinDir(), 0o755)
}
