// Package sinks provides progress.Sink implementations for logs, Prometheus
// and the task-run store.
package sinks
