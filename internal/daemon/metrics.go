package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tripwire/notifyd/notify"
)

// metrics holds the daemon's Prometheus collectors.
type metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	errors   prometheus.Counter
	dropped  prometheus.Counter
}

// newMetrics registers the collectors on reg. A nil reg selects a fresh
// registry that also carries the Go runtime and process collectors. watches
// is sampled at scrape time for the notifyd_watches gauge.
func newMetrics(reg *prometheus.Registry, watches func() float64) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_events_total",
			Help: "Events delivered on the notifier streams, by operation.",
		}, []string{"op"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_errors_total",
			Help: "Errors delivered on the notifier streams.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyd_overflows_total",
			Help: "Kernel queue overflows; events were lost.",
		}),
	}
	m.registry.MustRegister(
		m.events,
		m.errors,
		m.dropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "notifyd_watches",
			Help: "Directories currently watched, including recursive subdirectories.",
		}, watches),
	)
	return m
}

func (m *metrics) observe(res notify.Result) {
	if res.Err != nil {
		m.errors.Inc()
		if isOverflow(res.Err) {
			m.dropped.Inc()
		}
		return
	}
	m.events.WithLabelValues((res.Event.Op &^ notify.IsDir).String()).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
