// Package sinks holds progress.Sink implementations: structured logs,
// Prometheus collectors and a terminal progress bar.
package sinks
