package supervisor

import (
	"time"

	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/ports"
)

// State is the lifecycle state of one identity's agent.
type State string

const (
	StateIdle       State = "IDLE"
	StateStarting   State = "STARTING"
	StateRunning    State = "RUNNING"
	StateRestarting State = "RESTARTING"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
	StateFailed     State = "FAILED"
)

// Options tunes a Supervisor. Zero values take the defaults below.
type Options struct {
	Host            string
	Platform        string
	BasePort        int
	FallbackPort    int
	ReadyTimeout    time.Duration // 5s
	MonitorInterval time.Duration // 1s
	MaxRestarts     int           // 3; negative disables restarts
	RestartBackoff  time.Duration // 1s, multiplied by the attempt number
	StopTimeout     time.Duration // 5s
	// AgentArgs may reference {config}, {env}, {host}, {port} and {tools}.
	AgentArgs []string
	// Env is appended to the controller's environment for the agent.
	Env []string
	// OnFailure is called when an agent cannot be kept alive.
	OnFailure func(id identity.Identity, err error)
}

// OptionsFromConfig maps the [supervisor] section.
func OptionsFromConfig(c config.SupervisorConfig) Options {
	return Options{
		Host:            c.Host,
		BasePort:        c.BasePort,
		FallbackPort:    c.FallbackPort,
		ReadyTimeout:    c.ReadyTimeout.Duration,
		MonitorInterval: c.MonitorInterval.Duration,
		MaxRestarts:     c.MaxRestarts,
		RestartBackoff:  c.RestartBackoff.Duration,
		StopTimeout:     c.StopTimeout.Duration,
		AgentArgs:       append([]string(nil), c.AgentArgs...),
	}
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "localhost"
	}
	if o.BasePort <= 0 {
		o.BasePort = ports.DefaultBase
	}
	if o.FallbackPort <= 0 {
		o.FallbackPort = ports.DefaultFallback
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = time.Second
	}
	switch {
	case o.MaxRestarts == 0:
		o.MaxRestarts = 3
	case o.MaxRestarts < 0:
		o.MaxRestarts = 0
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if len(o.AgentArgs) == 0 {
		o.AgentArgs = []string{"--config", "{config}", "--env", "{env}"}
	}
	return o
}

// Spec is one request to run the agent for a host project.
type Spec struct {
	Identity  identity.Identity
	ProjectID string
	// ParentPID is the host process the project lives in.
	ParentPID int
	// Binary is the installed agent executable.
	Binary string
}

// Info describes a running agent.
type Info struct {
	Identity string `json:"identity"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	PID      int    `json:"pid"`
	State    State  `json:"state"`
	// Reused is true when an agent already serving the identity was attached.
	Reused bool `json:"reused"`
}

// Result is the completion of an asynchronous Start.
type Result struct {
	Info Info
	Err  error
}
