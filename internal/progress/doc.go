// Package progress carries crawl lifecycle events from the signal aggregator
// to pluggable sinks. Emitting never blocks the crawl: events are buffered,
// batched on a background goroutine and dropped under backpressure.
package progress
