package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	procCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "wingman", Subsystem: "agent", Name: "cpu_percent", Help: "Agent CPU percent"},
		[]string{"identity"},
	)
	procRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "wingman", Subsystem: "agent", Name: "memory_rss_bytes", Help: "Agent RSS bytes"},
		[]string{"identity"},
	)
)

// SampleProcessMetrics samples CPU and RSS of pid every interval until ctx
// is done or the process disappears.
func SampleProcessMetrics(ctx context.Context, identity string, pid int, interval time.Duration) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	// Warm-up for CPU percent baseline
	_, _ = p.CPUPercentWithContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer procCPU.DeleteLabelValues(identity)
	defer procRSS.DeleteLabelValues(identity)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, _ := p.IsRunningWithContext(ctx); !ok {
				return
			}
			if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
				procCPU.WithLabelValues(identity).Set(cpu)
			}
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				procRSS.WithLabelValues(identity).Set(float64(mi.RSS))
			}
		}
	}
}
