package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StateFunc samples a value at scrape time.
type StateFunc func() float64

// Collector exports gauges whose values are read from live state when
// Prometheus scrapes, rather than maintained incrementally.
type Collector struct {
	descs []*prometheus.Desc
	fns   []StateFunc
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Gauge adds a gauge named rnode_<name> sampled from fn.
func (c *Collector) Gauge(name, help string, fn StateFunc) *Collector {
	c.descs = append(c.descs, prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil))
	c.fns = append(c.fns, fn)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, c.fns[i]())
	}
}
