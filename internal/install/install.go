package install

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/rs/zerolog/log"
)

const binaryPrefix = "bitowingman-"
const toolsPrefix = "bitowingman-tools-"

// MakeExecutable sets 0755 on POSIX. It is a no-op on Windows.
func MakeExecutable(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "chmod "+filepath.Base(path), err)
	}
	return nil
}

// IsExecutable reports whether path exists and, on POSIX, has an execute bit.
func IsExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return st.Mode().Perm()&0o111 != 0
}

// InstallBinary moves a staged binary from temp/ into bin/<name> and marks it
// executable. A staged file byte-identical to the installed one leaves bin/
// untouched and reports changed=false. Older agent binaries are pruned.
func (l Layout) InstallBinary(staged, name string) (path string, changed bool, err error) {
	dest := l.BinaryPath(name)
	if err := os.MkdirAll(l.BinDir(), 0o755); err != nil {
		return "", false, errdefs.Wrap(errdefs.FSPermission, "create bin dir", err)
	}
	defer os.RemoveAll(l.TempDir())

	if artifact.SameContent(staged, dest) {
		log.Info().Str("binary", name).Msg("installed binary already up to date")
		return dest, false, MakeExecutable(dest)
	}
	if err := MakeExecutable(staged); err != nil {
		return "", false, err
	}
	if err := moveFile(staged, dest); err != nil {
		return "", false, errdefs.Wrap(errdefs.DownloadIO, "install binary", err)
	}
	if err := MakeExecutable(dest); err != nil {
		return "", false, err
	}
	removed, _ := artifact.Prune(l.BinDir(), func(n string) bool {
		return strings.HasPrefix(n, binaryPrefix) && !strings.HasPrefix(n, toolsPrefix)
	}, map[string]struct{}{name: {}})
	log.Info().Str("binary", dest).Strs("pruned", removed).Msg("binary installed")
	return dest, true, nil
}

// InstallTools extracts a tools archive into bin/tools. The archive is
// unpacked into bin/toolsTemp first and swapped in by rename. When the
// archive lacks version.txt it is written with version. An installed tree
// already at version is left untouched.
func (l Layout) InstallTools(archive, version string) (changed bool, err error) {
	defer os.Remove(archive)
	if cur, err := l.ToolsVersion(); err == nil && cur == version {
		log.Info().Str("version", version).Msg("tools already installed")
		return false, nil
	}
	staging := l.ToolsStagingDir()
	_ = os.RemoveAll(staging)
	defer os.RemoveAll(staging)
	if err := artifact.Unpack(archive, staging); err != nil {
		return false, errdefs.Wrap(errdefs.DownloadIO, "extract tools", err)
	}
	src := staging
	if st, err := os.Stat(filepath.Join(staging, ToolsDirName)); err == nil && st.IsDir() {
		src = filepath.Join(staging, ToolsDirName)
	}
	vf := filepath.Join(src, ToolsVersionName)
	if _, err := os.Stat(vf); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(vf, []byte(version), 0o644); err != nil {
			return false, errdefs.Wrap(errdefs.DownloadIO, "write tools version", err)
		}
	}

	dest := l.ToolsDir()
	old := dest + ".old"
	_ = os.RemoveAll(old)
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, old); err != nil {
			return false, errdefs.Wrap(errdefs.FSPermission, "replace tools", err)
		}
	}
	if err := os.Rename(src, dest); err != nil {
		// put the previous tree back
		_ = os.Rename(old, dest)
		return false, errdefs.Wrap(errdefs.FSPermission, "replace tools", err)
	}
	_ = os.RemoveAll(old)
	log.Info().Str("dir", dest).Str("version", version).Msg("tools installed")
	return true, nil
}

// ToolsVersion reads bin/tools/version.txt.
func (l Layout) ToolsVersion() (string, error) {
	b, err := os.ReadFile(l.ToolsVersionFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errdefs.Wrap(errdefs.FSNotFound, "read tools version", err)
		}
		return "", err
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", errdefs.New(errdefs.FSNotFound, "tools version empty")
	}
	return v, nil
}

// WriteEnvFiles writes the shared env file and the identity-scoped one.
func (l Layout) WriteEnvFiles(id identity.Identity, env config.AgentEnv) error {
	for _, p := range []string{l.EnvFile(), l.IdentityEnvFile(id)} {
		if err := config.WriteEnvFile(p, env); err != nil {
			return errdefs.Wrap(errdefs.FSPermission, "write env file", err)
		}
	}
	return nil
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	tmp := dst + ".tmp"
	if err := os.Rename(src, tmp); err != nil {
		if err := copyFile(src, tmp); err != nil {
			return err
		}
		_ = os.Remove(src)
	}
	return os.Rename(tmp, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
