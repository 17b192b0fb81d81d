package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Source reports live counts at scrape time.
type Source interface {
	Len() int
	Tunnels() int
}

// Collector exports the live connection and tunnel counts of a Source.
// Counts are read on every scrape, so they can never drift from the registry.
type Collector struct {
	src         Source
	connections *prometheus.Desc
	tunnels     *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connections", "live"),
			"Live logical connections", nil, nil),
		tunnels: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tunnels", "live"),
			"Live SSH tunnels", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.tunnels
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.src.Len()))
	ch <- prometheus.MustNewConstMetric(c.tunnels, prometheus.GaugeValue, float64(c.src.Tunnels()))
}
