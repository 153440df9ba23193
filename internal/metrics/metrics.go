package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes per-rule tick statistics for scraping. One sample set is
// written after every rule execution.
type Metrics struct {
	registry *prometheus.Registry

	TimeTaken  *prometheus.GaugeVec
	Hits       *prometheus.GaugeVec
	Dupes      *prometheus.GaugeVec
	Matches    *prometheus.GaugeVec
	AlertsSent *prometheus.GaugeVec
	Errors     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	gauge := func(name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "elastalert",
			Name:      name,
			Help:      help,
		}, []string{"rule_name"})
		m.registry.MustRegister(g)
		return g
	}
	m.TimeTaken = gauge("scrapes_time_taken", "Seconds spent running the rule's last tick.")
	m.Hits = gauge("hits", "Query hits fetched by the rule's last tick.")
	m.Dupes = gauge("duplicates", "Hits discarded as already processed in the last tick.")
	m.Matches = gauge("matches", "Matches emitted by the rule's last tick.")
	m.AlertsSent = gauge("alerts_sent", "Alerts dispatched by the rule's last tick.")
	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "elastalert",
		Name:      "errors_total",
		Help:      "Errors written to the error log.",
	})
	m.registry.MustRegister(m.Errors)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

// ObserveRun records the outcome of one rule tick.
func (m *Metrics) ObserveRun(rule string, seconds float64, hits, dupes, matches, alertsSent int) {
	m.TimeTaken.WithLabelValues(rule).Set(seconds)
	m.Hits.WithLabelValues(rule).Set(float64(hits))
	m.Dupes.WithLabelValues(rule).Set(float64(dupes))
	m.Matches.WithLabelValues(rule).Set(float64(matches))
	m.AlertsSent.WithLabelValues(rule).Set(float64(alertsSent))
}

// Forget drops the series of a removed rule.
func (m *Metrics) Forget(rule string) {
	labels := prometheus.Labels{"rule_name": rule}
	m.TimeTaken.Delete(labels)
	m.Hits.Delete(labels)
	m.Dupes.Delete(labels)
	m.Matches.Delete(labels)
	m.AlertsSent.Delete(labels)
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
