package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/carlosprados/wingman/internal/validate"
	toml "github.com/pelletier/go-toml/v2"
)

// Duration decodes TOML strings such as "5s" or "200ms".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config is the controller configuration, normally read from wingman.toml.
type Config struct {
	Root         string           `toml:"root"`
	DownloadBase string           `toml:"download_base"`
	ClientInfo   string           `toml:"client_info"`
	HTTPAddr     string           `toml:"http_addr"`
	Manifest     ManifestConfig   `toml:"manifest"`
	Download     DownloadConfig   `toml:"download"`
	Supervisor   SupervisorConfig `toml:"supervisor"`
	API          APIConfig        `toml:"api"`
	Telemetry    TelemetryConfig  `toml:"telemetry"`
}

type ManifestConfig struct {
	Timeout        Duration `toml:"timeout"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type DownloadConfig struct {
	ChunkSize        int      `toml:"chunk_size"`
	ProgressInterval Duration `toml:"progress_interval"`
}

type SupervisorConfig struct {
	Host            string   `toml:"host"`
	BasePort        int      `toml:"base_port"`
	FallbackPort    int      `toml:"fallback_port"`
	ReadyTimeout    Duration `toml:"ready_timeout"`
	MonitorInterval Duration `toml:"monitor_interval"`
	MaxRestarts     int      `toml:"max_restarts"`
	RestartBackoff  Duration `toml:"restart_backoff"`
	StopTimeout     Duration `toml:"stop_timeout"`
	AgentArgs       []string `toml:"agent_args"`
}

type APIConfig struct {
	BaseURL     string `toml:"base_url"`
	TrackingURL string `toml:"tracking_url"`
	MgmtURL     string `toml:"mgmt_url"`
}

type TelemetryConfig struct {
	WSHost      string `toml:"ws_host"`
	Path        string `toml:"path"`
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
	MQTTBroker  string `toml:"mqtt_broker"`
	MQTTTopic   string `toml:"mqtt_topic"`
	// MessageType is the mtyId of status updates on the WebSocket service.
	MessageType int `toml:"message_type"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Root:       DefaultRoot(),
		ClientInfo: "wingmand",
		HTTPAddr:   "127.0.0.1:8095",
		Manifest: ManifestConfig{
			Timeout:        Duration{30 * time.Second},
			ConnectTimeout: Duration{15 * time.Second},
		},
		Download: DownloadConfig{
			ChunkSize:        8 * 1024,
			ProgressInterval: Duration{200 * time.Millisecond},
		},
		Supervisor: SupervisorConfig{
			Host:            "localhost",
			BasePort:        3500,
			FallbackPort:    5050,
			ReadyTimeout:    Duration{5 * time.Second},
			MonitorInterval: Duration{time.Second},
			MaxRestarts:     3,
			RestartBackoff:  Duration{time.Second},
			StopTimeout:     Duration{5 * time.Second},
			AgentArgs:       []string{"--config", "{config}", "--env", "{env}"},
		},
		Telemetry: TelemetryConfig{
			NATSSubject: "wingman.status",
			MQTTTopic:   "wingman/status",
		},
	}
}

// DefaultRoot returns $HOME/.bitowingman, or .bitowingman in the working
// directory when the home directory cannot be resolved.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bitowingman"
	}
	return filepath.Join(home, ".bitowingman")
}

// Load reads path over the defaults and applies WINGMAN_* env overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			var m map[string]any
			if err := toml.Unmarshal(b, &m); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := validate.ControllerConfigMap(m); err != nil {
				return cfg, fmt.Errorf("invalid config %s: %w", path, err)
			}
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv()
	cfg.Root = expandHome(cfg.Root)
	return cfg, nil
}

// ApplyEnv overrides fields from WINGMAN_* environment variables.
// Invalid values are ignored.
func (c *Config) ApplyEnv() {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				dst.Duration = d
			}
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	str("WINGMAN_ROOT", &c.Root)
	str("WINGMAN_DOWNLOAD_BASE", &c.DownloadBase)
	str("WINGMAN_CLIENT_INFO", &c.ClientInfo)
	str("WINGMAN_HTTP_ADDR", &c.HTTPAddr)
	str("WINGMAN_HOST", &c.Supervisor.Host)
	num("WINGMAN_BASE_PORT", &c.Supervisor.BasePort)
	num("WINGMAN_MAX_RESTARTS", &c.Supervisor.MaxRestarts)
	dur("WINGMAN_READY_TIMEOUT", &c.Supervisor.ReadyTimeout)
	dur("WINGMAN_MONITOR_INTERVAL", &c.Supervisor.MonitorInterval)
	dur("WINGMAN_RESTART_BACKOFF", &c.Supervisor.RestartBackoff)
	dur("WINGMAN_MANIFEST_TIMEOUT", &c.Manifest.Timeout)
	str("WINGMAN_API_URL", &c.API.BaseURL)
	str("WINGMAN_TRACKING_URL", &c.API.TrackingURL)
	str("WINGMAN_MGMT_URL", &c.API.MgmtURL)
	str("WINGMAN_WS_HOST", &c.Telemetry.WSHost)
	str("WINGMAN_WS_PATH", &c.Telemetry.Path)
	str("WINGMAN_NATS_URL", &c.Telemetry.NATSURL)
	str("WINGMAN_MQTT_BROKER", &c.Telemetry.MQTTBroker)
	num("WINGMAN_WS_MESSAGE_TYPE", &c.Telemetry.MessageType)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
