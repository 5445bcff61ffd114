package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Keys written to the agent env file.
const (
	EnvAPIURL      = "BITO_API_URL"
	EnvTrackingURL = "BITO_TRACKING_URL"
	EnvAPIKey      = "BITO_API_KEY"
)

// AgentEnv is the content of an agent env file.
type AgentEnv struct {
	APIURL      string
	TrackingURL string
	APIKey      string
}

// String renders the three KEY=VALUE lines without a trailing newline.
func (e AgentEnv) String() string {
	return strings.Join([]string{
		EnvAPIURL + "=" + e.APIURL,
		EnvTrackingURL + "=" + e.TrackingURL,
		EnvAPIKey + "=" + e.APIKey,
	}, "\n")
}

// WriteEnvFile writes e to path with mode 0600 using temp+rename.
func WriteEnvFile(path string, e AgentEnv) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(e.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if runtime.GOOS != "windows" {
		// WriteFile does not change the mode of an existing temp file.
		if err := os.Chmod(tmp, 0o600); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("chmod env file: %w", err)
		}
	}
	return os.Rename(tmp, path)
}

// ReadEnvFile parses an env file written by WriteEnvFile.
func ReadEnvFile(path string) (AgentEnv, error) {
	f, err := os.Open(path)
	if err != nil {
		return AgentEnv{}, err
	}
	defer f.Close()
	vars, err := ParseEnv(f)
	if err != nil {
		return AgentEnv{}, err
	}
	return AgentEnv{APIURL: vars[EnvAPIURL], TrackingURL: vars[EnvTrackingURL], APIKey: vars[EnvAPIKey]}, nil
}
