// Package metric provides Prometheus metrics for rnode.
//
//   - prometheus.go: the per-instance Registry and its HTTP handler
//   - collector.go: gauges sampled from live state at scrape time
//
// Every Registry method is safe to call on a nil *Registry, so components may
// run without metrics.
package metric
