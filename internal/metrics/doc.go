// Package metrics defines the Prometheus instrumentation for the relay:
// connection and admission counters, session gauges, per-type message and
// upstream event counters, and HTTP handler metrics for the monitoring
// server. All metrics live under the livewire namespace.
package metrics
