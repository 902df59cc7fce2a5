// Package metrics exposes Prometheus counters/gauges/histograms for the
// task queue (queue depth by status, group parallelism usage, scheduling
// latency, callback/snapshot counts) plus /health, /ready and /metrics
// HTTP handlers.
package metrics
