package agentcfg

import (
	"bytes"
	"context"
	"errors"
	"os"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/lock"
	"github.com/rs/zerolog/log"
)

// ServerInfo is what the controller knows about an identity's agent. It
// seeds config.json when none exists.
type ServerInfo struct {
	Host     string
	Port     int
	ToolsDir string
}

// Store manages the config pair of every identity under one install root.
// All mutations hold the machine-wide config.lock.
type Store struct {
	Layout install.Layout
}

func NewStore(l install.Layout) *Store { return &Store{Layout: l} }

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	l, err := lock.Acquire(ctx, s.Layout.ConfigLockFile(), true)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.Warn().Err(err).Msg("release config.lock")
		}
	}()
	return fn()
}

// Reconcile converges config.json and config_bk.json for id. A missing live
// file is materialized from info; a missing backup is copied from the live
// file. When toolsDir or server.api.port differ the backup's values win and
// paths.envFilePath is pointed at the identity env file. Both files end up
// byte-identical. It reports whether the live file changed.
func (s *Store) Reconcile(ctx context.Context, id identity.Identity, info ServerInfo) (changed bool, err error) {
	err = s.withLock(ctx, func() error {
		changed, err = s.reconcile(id, info)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("identity", id.String()).Msg("config reconciliation failed")
	}
	return changed, err
}

func (s *Store) reconcile(id identity.Identity, info ServerInfo) (bool, error) {
	livePath := s.Layout.ConfigFile(id)
	bkPath := s.Layout.BackupConfigFile(id)
	envPath := s.Layout.IdentityEnvFile(id)

	live, err := Load(livePath)
	if errdefs.Is(err, errdefs.FSNotFound) {
		live = New()
		host := info.Host
		if host == "" {
			host = "localhost"
		}
		live.SetHost(host)
		live.SetPort(info.Port)
		toolsDir := info.ToolsDir
		if toolsDir == "" {
			toolsDir = s.Layout.ToolsDir()
		}
		live.SetToolsDir(toolsDir)
		live.SetEnvFilePath(envPath)
		if err := live.Save(livePath); err != nil {
			return false, err
		}
		log.Info().Str("identity", id.String()).Str("file", livePath).Msg("materialized agent config")
	} else if err != nil {
		return false, err
	}

	if _, err := os.Stat(bkPath); errors.Is(err, os.ErrNotExist) {
		if err := live.Save(bkPath); err != nil {
			return false, err
		}
	}
	bk, err := Load(bkPath)
	if err != nil {
		return false, err
	}

	lp, bp := live.pinned(), bk.pinned()
	if lp == bp {
		return false, nil
	}
	merged := live.Clone()
	if n, ok := bk.Port(); ok {
		merged.SetPort(n)
	}
	if dir, ok := bk.ToolsDir(); ok {
		merged.SetToolsDir(dir)
	}
	merged.SetEnvFilePath(envPath)
	b, err := merged.Bytes()
	if err != nil {
		return false, errdefs.Wrap(errdefs.ConfigParse, "encode agent config", err)
	}
	if err := writeAtomic(livePath, b); err != nil {
		return false, err
	}
	if err := writeAtomic(bkPath, b); err != nil {
		return false, err
	}
	log.Info().Str("identity", id.String()).Stringer("live", lp).Stringer("backup", bp).Msg("restored pinned config values from backup")
	return true, nil
}

// SetServer writes host, port, toolsDir and envFilePath into both files.
func (s *Store) SetServer(ctx context.Context, id identity.Identity, info ServerInfo) error {
	return s.mutate(ctx, id, func(d Document) {
		if info.Host != "" {
			d.SetHost(info.Host)
		}
		d.SetPort(info.Port)
		if info.ToolsDir != "" {
			d.SetToolsDir(info.ToolsDir)
		}
		d.SetEnvFilePath(s.Layout.IdentityEnvFile(id))
	})
}

// SetResponseLanguage writes the root responseLanguage into both files.
func (s *Store) SetResponseLanguage(ctx context.Context, id identity.Identity, lang string) error {
	return s.mutate(ctx, id, func(d Document) { d.SetResponseLanguage(lang) })
}

// Read returns the live config for id.
func (s *Store) Read(id identity.Identity) (Document, error) {
	return Load(s.Layout.ConfigFile(id))
}

// mutate applies fn to the live file (created when absent) and mirrors the
// result into the backup.
func (s *Store) mutate(ctx context.Context, id identity.Identity, fn func(Document)) error {
	return s.withLock(ctx, func() error {
		livePath := s.Layout.ConfigFile(id)
		d, err := Load(livePath)
		if errdefs.Is(err, errdefs.FSNotFound) {
			d = New()
		} else if err != nil {
			return err
		}
		before, _ := d.Bytes()
		fn(d)
		b, err := d.Bytes()
		if err != nil {
			return errdefs.Wrap(errdefs.ConfigParse, "encode agent config", err)
		}
		if !bytes.Equal(before, b) || !fileExists(livePath) {
			if err := writeAtomic(livePath, b); err != nil {
				return err
			}
		}
		return writeAtomic(s.Layout.BackupConfigFile(id), b)
	})
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
