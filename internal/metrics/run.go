package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "osmextract"

// Run holds the counters of one extraction run. Counters are updated live
// by the scheduler and written once as a node_exporter textfile at exit.
type Run struct {
	registry *prometheus.Registry

	Chunks     *prometheus.CounterVec // by outcome
	Entities   *prometheus.CounterVec // by type and outcome
	Errors     *prometheus.CounterVec // by failure kind
	BytesRead  prometheus.Counter
	Duration   prometheus.Gauge
	ProcessCPU prometheus.Gauge
	MemoryUsed prometheus.Gauge
}

// NewRun creates run metrics on a private registry
func NewRun() *Run {
	r := &Run{
		registry: prometheus.NewRegistry(),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "PBF chunks processed, by outcome",
		}, []string{"outcome"}),
		Entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_total",
			Help:      "Extracted records, by type and outcome",
		}, []string{"type", "outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Recorded failures, by kind",
		}, []string{"kind"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_read_total",
			Help:      "Bytes of PBF input consumed",
		}),
		Duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the run",
		}),
		ProcessCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Last sampled process CPU usage",
		}),
		MemoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_memory_used_percent",
			Help:      "Last sampled system memory usage",
		}),
	}
	r.registry.MustRegister(r.Chunks, r.Entities, r.Errors, r.BytesRead, r.Duration, r.ProcessCPU, r.MemoryUsed)
	return r
}

// Registry returns the registry holding the run metrics
func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes all run metrics to path in the text exposition format
func (r *Run) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
