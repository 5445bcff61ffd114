// Package agentcfg reads and reconciles the agent's config.json and its
// config_bk.json backup.
package agentcfg

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/validate"
)

// Document is an agent config. Keys the controller does not manage are
// preserved as decoded.
type Document struct {
	m map[string]any
}

// New returns an empty document.
func New() Document { return Document{m: map[string]any{}} }

// Parse decodes and validates b. Failures are CONFIG_PARSE.
func Parse(b []byte) (Document, error) {
	if err := validate.AgentConfig(b); err != nil {
		return Document{}, errdefs.Wrap(errdefs.ConfigParse, "validate agent config", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Document{}, errdefs.Wrap(errdefs.ConfigParse, "decode agent config", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Document{m: m}, nil
}

// Load reads path. A missing file is FS_NOT_FOUND.
func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, errdefs.Wrap(errdefs.FSNotFound, "read "+filepath.Base(path), err)
	}
	if err != nil {
		return Document{}, errdefs.Wrap(errdefs.FSPermission, "read "+filepath.Base(path), err)
	}
	return Parse(b)
}

// Bytes renders the document pretty-printed. Map keys are sorted, so equal
// documents produce equal bytes.
func (d Document) Bytes() ([]byte, error) {
	b, err := json.MarshalIndent(d.m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Save writes the document to path with mode 0600 using temp+rename.
func (d Document) Save(path string) error {
	b, err := d.Bytes()
	if err != nil {
		return errdefs.Wrap(errdefs.ConfigParse, "encode agent config", err)
	}
	return writeAtomic(path, b)
}

func writeAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "create config dir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "write "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errdefs.Wrap(errdefs.FSPermission, "replace "+filepath.Base(path), err)
	}
	if runtime.GOOS != "windows" {
		_ = os.Chmod(path, 0o600)
	}
	return nil
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	b, _ := json.Marshal(d.m)
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	_ = dec.Decode(&m)
	if m == nil {
		m = map[string]any{}
	}
	return Document{m: m}
}

func (d Document) object(create bool, keys ...string) map[string]any {
	cur := d.m
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			if !create {
				return nil
			}
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	return cur
}

func (d Document) str(key string, path ...string) (string, bool) {
	o := d.object(false, path...)
	if o == nil {
		return "", false
	}
	s, ok := o[key].(string)
	return s, ok
}

// Port returns server.api.port.
func (d Document) Port() (int, bool) {
	o := d.object(false, "server", "api")
	if o == nil {
		return 0, false
	}
	switch v := o["port"].(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		return n, err == nil
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// SetPort sets server.api.port.
func (d Document) SetPort(p int) {
	d.object(true, "server", "api")["port"] = json.Number(strconv.Itoa(p))
}

// Host returns server.api.host.
func (d Document) Host() (string, bool) { return d.str("host", "server", "api") }

// SetHost sets server.api.host.
func (d Document) SetHost(h string) { d.object(true, "server", "api")["host"] = h }

// ToolsDir returns paths.toolsDir.
func (d Document) ToolsDir() (string, bool) { return d.str("toolsDir", "paths") }

// SetToolsDir sets paths.toolsDir.
func (d Document) SetToolsDir(dir string) { d.object(true, "paths")["toolsDir"] = dir }

// EnvFilePath returns paths.envFilePath.
func (d Document) EnvFilePath() (string, bool) { return d.str("envFilePath", "paths") }

// SetEnvFilePath sets paths.envFilePath.
func (d Document) SetEnvFilePath(p string) { d.object(true, "paths")["envFilePath"] = p }

// ResponseLanguage returns the root responseLanguage.
func (d Document) ResponseLanguage() (string, bool) { return d.str("responseLanguage") }

// SetResponseLanguage sets the root responseLanguage.
func (d Document) SetResponseLanguage(lang string) { d.m["responseLanguage"] = lang }

// pinned is the pair of values compared between the live file and backup.
type pinned struct {
	port     string
	toolsDir string
}

func (d Document) pinned() pinned {
	p := pinned{}
	if n, ok := d.Port(); ok {
		p.port = strconv.Itoa(n)
	}
	p.toolsDir, _ = d.ToolsDir()
	return p
}

func (p pinned) String() string { return fmt.Sprintf("port=%s toolsDir=%s", p.port, p.toolsDir) }
