package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ParseEnv reads KEY=VALUE lines. Lines starting with '#' are comments.
// Supported formats:
//
//	KEY=VALUE
//	KEY="VALUE WITH SPACES"
//	export KEY=VALUE
//
// Whitespace around key and value is trimmed.
func ParseEnv(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		out[key] = val
	}
	return out, s.Err()
}

// LoadDotEnv reads a .env-style file and sets variables into the process env.
// Existing env vars are preserved unless override is true.
func LoadDotEnv(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	vars, err := ParseEnv(f)
	if err != nil {
		return err
	}
	for key, val := range vars {
		if !override {
			if _, ok := os.LookupEnv(key); ok {
				continue
			}
		}
		_ = os.Setenv(key, val)
	}
	return nil
}

// LoadDotEnvDefault loads .env from the working directory, the directory of
// the running binary and WINGMAN_ROOT, in that order. Missing files are
// skipped and variables already set win.
func LoadDotEnvDefault() {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if root := os.Getenv("WINGMAN_ROOT"); root != "" {
		dirs = append(dirs, expandHome(root))
	}
	seen := map[string]bool{}
	for _, d := range dirs {
		p := filepath.Join(d, ".env")
		if seen[p] {
			continue
		}
		seen[p] = true
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			_ = LoadDotEnv(p, false)
		}
	}
}
