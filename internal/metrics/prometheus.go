package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promMetrics struct {
	opDuration   *prometheus.HistogramVec
	opErrors     *prometheus.CounterVec
	counters     *prometheus.CounterVec
	openChannels prometheus.Gauge
}

// EnablePrometheus registers the collector's metrics with reg under namespace.
// Everything recorded afterwards is mirrored there.
func (c *Collector) EnablePrometheus(reg prometheus.Registerer, namespace string) {
	factory := promauto.With(reg)
	p := &promMetrics{
		opDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of sync operations",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		opErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Failed sync operations",
			},
			[]string{"operation"},
		),
		counters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Stream and merge events by outcome",
			},
			[]string{"outcome"},
		),
		openChannels: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_channels",
				Help:      "Push channels currently open",
			},
		),
	}

	c.mu.Lock()
	c.prom = p
	c.mu.Unlock()
}

func (p *promMetrics) observe(op string, d time.Duration, err error) {
	if p == nil {
		return
	}
	p.opDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		p.opErrors.WithLabelValues(op).Inc()
	}
}

func (p *promMetrics) add(counter string, n, open int64) {
	if p == nil {
		return
	}
	p.counters.WithLabelValues(counter).Add(float64(n))
	p.openChannels.Set(float64(open))
}

// Handler serves the metrics registered in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
