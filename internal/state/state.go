package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/carlosprados/wingman/internal/lock"
)

// InstallManifest is the content of downloadedBinary.json.
type InstallManifest struct {
	BinaryDir               string `json:"binaryDir"`
	BinaryName              string `json:"binaryName"`
	Host                    string `json:"host"`
	Port                    int    `json:"port"`
	IsDownloaded            bool   `json:"isDownloaded"`
	ErrorMsg                string `json:"errorMsg"`
	DownloadStartedByUserID int    `json:"downloadStartedByUserID"`
	InstalledVersion        string `json:"installedVersion"`
}

// BinaryPath joins BinaryDir and BinaryName.
func (m InstallManifest) BinaryPath() string {
	if m.BinaryName == "" {
		return ""
	}
	return filepath.Join(m.BinaryDir, m.BinaryName)
}

// mu serializes writers inside one process; the file lock next to path
// serializes host processes sharing the install root.
var mu sync.Mutex

// LockPath is the lock file guarding path.
func LockPath(path string) string { return path + ".lock" }

func locked(path string, fn func() error) error {
	mu.Lock()
	defer mu.Unlock()
	l, err := lock.Acquire(context.Background(), LockPath(path), true)
	if err != nil {
		return fmt.Errorf("lock %s: %w", filepath.Base(path), err)
	}
	defer l.Release()
	return fn()
}

// Save writes m to path atomically.
func Save(path string, m InstallManifest) error {
	return locked(path, func() error { return save(path, m) })
}

func save(path string, m InstallManifest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads path. An absent file yields the zero manifest and found=false,
// which callers treat as isDownloaded=false.
func Load(path string) (m InstallManifest, found bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, true, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return m, true, nil
}

// Update loads, mutates and saves path while holding the file lock, so
// concurrent hosts never drop each other's changes. A missing or unreadable
// file starts from the zero manifest.
func Update(path string, fn func(*InstallManifest)) (InstallManifest, error) {
	var m InstallManifest
	err := locked(path, func() error {
		var lerr error
		if m, _, lerr = Load(path); lerr != nil {
			m = InstallManifest{}
		}
		fn(&m)
		return save(path, m)
	})
	return m, err
}
