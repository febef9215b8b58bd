// Package progress carries pipeline lifecycle events from workers to pluggable
// sinks. Workers emit through a non-blocking Hub which batches events on a
// background goroutine before handing them to Prometheus, storage, or logs.
package progress
