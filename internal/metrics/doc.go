/*
Package metrics provides Prometheus instrumentation for the storage core.

# Overview

Every Metrics value owns a private registry, so several filesystems (or tests) can run in one
process without colliding on metric names. A nil *Metrics is valid and records nothing, which lets
library packages take metrics as an optional dependency.

# Metrics

- Sector allocation (allocated, freed, free gauge)
- File I/O (bytes read and written, short writes)
- Lock contention (blocked acquisitions and wait time by mode)
- Open handles
- Pipe traffic

# Usage

	m := metrics.New()
	fs, err := filesys.Mount(dev, filesys.WithMetrics(m))

	// Dump for node_exporter's textfile collector
	err = m.WriteToTextfile("/var/lib/node_exporter/idxfs.prom")
*/
package metrics
