// Package progress carries task and analysis milestones from workers to
// sinks. Workers emit into a non-blocking Hub that batches events on a
// background goroutine; sinks log them, export Prometheus collectors and
// persist task metrics.
package progress
