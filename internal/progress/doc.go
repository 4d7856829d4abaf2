// Package progress carries crawl progress events from the scheduler and
// workers to pluggable sinks. Emit never blocks; a background goroutine
// batches events and hands them to each sink.
package progress
