package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentStates lists every state label reported by ObserveAgentState.
var AgentStates = []string{"IDLE", "STARTING", "RUNNING", "RESTARTING", "STOPPING", "STOPPED", "FAILED"}

var (
	once       sync.Once
	agentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wingman",
			Subsystem: "agent",
			Name:      "state",
			Help:      "Agent state per identity (1 for the current state, 0 otherwise).",
		},
		[]string{"identity", "state"},
	)
	agentRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wingman",
			Subsystem: "agent",
			Name:      "restarts_total",
			Help:      "Number of agent restarts after a failed liveness check.",
		},
		[]string{"identity"},
	)
	agentPort = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wingman",
			Subsystem: "agent",
			Name:      "port",
			Help:      "TCP port allocated to the agent (0 when stopped).",
		},
		[]string{"identity"},
	)
	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wingman",
			Subsystem: "download",
			Name:      "total",
			Help:      "Downloads by artifact and result code.",
		},
		[]string{"artifact", "result"},
	)
	downloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wingman",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes received per artifact.",
		},
		[]string{"artifact"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(agentState, agentRestarts, agentPort, downloads, downloadBytes, procCPU, procRSS)
	})
}

// ObserveAgentState sets the current state to 1 and every other state to 0.
func ObserveAgentState(identity, state string) {
	for _, s := range AgentStates {
		v := 0.0
		if s == state {
			v = 1
		}
		agentState.WithLabelValues(identity, s).Set(v)
	}
}

func IncRestarts(identity string) { agentRestarts.WithLabelValues(identity).Inc() }

func SetPort(identity string, port int) { agentPort.WithLabelValues(identity).Set(float64(port)) }

// ObserveDownload records one finished download.
func ObserveDownload(artifact, result string, n int64) {
	downloads.WithLabelValues(artifact, result).Inc()
	if n > 0 {
		downloadBytes.WithLabelValues(artifact).Add(float64(n))
	}
}
