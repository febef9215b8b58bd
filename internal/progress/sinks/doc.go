// Package sinks implements progress consumers: Prometheus collectors, a
// repository-backed stage statistics sink, and structured logging.
package sinks
