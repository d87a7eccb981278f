package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seriesmath"

// Collector exposes Stats and HTTPMetrics to a prometheus registry. Either
// source may be nil.
type Collector struct {
	stats *Stats
	http  *HTTPMetrics

	requests *prometheus.Desc
	errors   *prometheus.Desc
	pending  *prometheus.Desc
}

func NewCollector(stats *Stats, http *HTTPMetrics) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		stats:    stats,
		http:     http,
		requests: desc("http_requests_total", "HTTP requests served.", "route"),
		errors:   desc("http_errors_total", "HTTP responses with status >= 400."),
		pending:  desc("http_pending_requests", "HTTP requests in flight."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	if c.stats != nil {
		c.stats.Describe(ch)
	}
	ch <- c.requests
	ch <- c.errors
	ch <- c.pending
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		c.stats.Collect(ch)
	}

	if c.http != nil {
		h := c.http.GetStats()
		for route, n := range h.Routes {
			ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(n), route)
		}
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(h.ErrorCount))
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(h.PendingRequests))
	}
}
