// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and task-metric persistence.
package sinks
