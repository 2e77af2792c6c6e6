package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "idxfs"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Allocation metrics
	SectorsAllocated prometheus.Counter
	SectorsFreed     prometheus.Counter
	FreeSectors      prometheus.Gauge

	// File I/O metrics
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	ShortWrites  prometheus.Counter
	OpenHandles  prometheus.Gauge

	// Lock metrics
	LockWaits        *prometheus.CounterVec
	LockWaitDuration *prometheus.HistogramVec

	// Pipe metrics
	PipeBytes *prometheus.CounterVec
}

// New creates a metrics collector backed by its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SectorsAllocated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sectors_allocated_total",
			Help:      "Total number of sectors claimed from the free map",
		}),
		SectorsFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sectors_freed_total",
			Help:      "Total number of sectors returned to the free map",
		}),
		FreeSectors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_sectors",
			Help:      "Number of free sectors on the device",
		}),

		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_read_bytes_total",
			Help:      "Total bytes read through open files",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_written_bytes_total",
			Help:      "Total bytes written through open files",
		}),
		ShortWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_short_writes_total",
			Help:      "Writes truncated because the file could not grow",
		}),
		OpenHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_handles",
			Help:      "Number of open file handles",
		}),

		LockWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_waits_total",
			Help:      "Acquisitions that had to queue, by mode",
		}, []string{"mode"}),
		LockWaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_duration_seconds",
			Help:      "Time spent queued for a file lock, by mode",
			Buckets:   []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"mode"}),

		PipeBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipe_bytes_total",
			Help:      "Bytes moved through pipes, by direction",
		}, []string{"direction"}),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordAllocation counts sectors claimed and sets the free gauge.
func (m *Metrics) RecordAllocation(claimed, freed, free int) {
	if m == nil {
		return
	}
	if claimed > 0 {
		m.SectorsAllocated.Add(float64(claimed))
	}
	if freed > 0 {
		m.SectorsFreed.Add(float64(freed))
	}
	m.FreeSectors.Set(float64(free))
}

// RecordRead counts bytes returned by a read.
func (m *Metrics) RecordRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRead.Add(float64(n))
}

// RecordWrite counts bytes stored by a write and whether it was cut short.
func (m *Metrics) RecordWrite(n int, short bool) {
	if m == nil {
		return
	}
	if n > 0 {
		m.BytesWritten.Add(float64(n))
	}
	if short {
		m.ShortWrites.Inc()
	}
}

// RecordLockWait records a blocked lock acquisition.
func (m *Metrics) RecordLockWait(mode string, waited time.Duration) {
	if m == nil {
		return
	}
	m.LockWaits.WithLabelValues(mode).Inc()
	m.LockWaitDuration.WithLabelValues(mode).Observe(waited.Seconds())
}

// IncOpenHandles counts a newly opened handle.
func (m *Metrics) IncOpenHandles() {
	if m == nil {
		return
	}
	m.OpenHandles.Inc()
}

// DecOpenHandles counts a closed handle.
func (m *Metrics) DecOpenHandles() {
	if m == nil {
		return
	}
	m.OpenHandles.Dec()
}

// RecordPipe counts bytes moved through a pipe; direction is "in" or "out".
func (m *Metrics) RecordPipe(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PipeBytes.WithLabelValues(direction).Add(float64(n))
}

// WriteToTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
