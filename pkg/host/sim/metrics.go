package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts host activity for one simulated VM.
type Metrics struct {
	Syscalls    *prometheus.CounterVec
	BytesLoaded prometheus.Counter
	Cycles      prometheus.Gauge
	Exits       *prometheus.CounterVec
}

// NewMetrics registers the host metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Syscalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellrt",
			Subsystem: "host",
			Name:      "syscalls_total",
			Help:      "Load primitives invoked by the guest, by primitive and status.",
		}, []string{"syscall", "status"}),
		BytesLoaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cellrt",
			Subsystem: "host",
			Name:      "loaded_bytes_total",
			Help:      "Bytes copied into guest buffers.",
		}),
		Cycles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "cellrt",
			Subsystem: "host",
			Name:      "cycles_consumed",
			Help:      "Cycles consumed by the current guest.",
		}),
		Exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellrt",
			Subsystem: "host",
			Name:      "exits_total",
			Help:      "Guest exits, by exit code.",
		}, []string{"code"}),
	}
}
