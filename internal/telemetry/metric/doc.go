// Package metric provides Prometheus metrics for memscope.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: registry, typed recording helpers and the HTTP handler
//   - collector.go: scrape-time collector for live connection and tunnel counts
//
// Metrics include:
//
//   - Cache server call counters and latency histograms
//   - Connection lifecycle counters (created, expired, closed)
//   - Key index rebuild outcomes and dropped rebuild tasks
//   - HTTP API request counters and latencies
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
