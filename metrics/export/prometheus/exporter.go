// Package prometheus bridges kestrel's in-process counters into a
// Prometheus collector. Callers register the [Collector] in a registry of
// their choice and mount promhttp; nothing here touches the default
// registry.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kestrel "github.com/kestrelsec/kestrel"
)

const namespace = "kestrel"

// Collector exposes every engine counter as kestrel_<name>_total, plus the
// audit drop counter. It reads atomically on scrape; no state is cached.
type Collector struct {
	engine *kestrel.Engine
	descs  map[string]*prometheus.Desc
}

// NewCollector creates a Collector reading from the given engine.
func NewCollector(engine *kestrel.Engine) *Collector {
	c := &Collector{
		engine: engine,
		descs:  make(map[string]*prometheus.Desc),
	}
	for name := range engine.Metrics().Snapshot() {
		c.descs[name] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name+"_total"),
			"Cumulative count of "+name+" events.",
			nil, nil,
		)
	}
	c.descs["audit_dropped"] = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "audit_dropped_total"),
		"Audit events dropped under dispatcher back-pressure.",
		nil, nil,
	)
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
	for name, value := range c.engine.Metrics().Snapshot() {
		desc, ok := c.descs[name]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
	ch <- prometheus.MustNewConstMetric(c.descs["audit_dropped"], prometheus.CounterValue, float64(c.engine.AuditDropped()))
}

// Handler registers the collector in a fresh registry and returns the
// scrape handler for it.
func Handler(engine *kestrel.Engine) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(engine))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
