// ABOUTME: Prometheus collectors shared by the relay components
// ABOUTME: Each process owns one registry; tests build throwaway ones

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_relay"

// Metrics holds every collector the relay reports.
type Metrics struct {
	UpdatesReceived  prometheus.Counter
	UpdatesDropped   *prometheus.CounterVec
	UpdatesPublished prometheus.Counter
	Dispatched       *prometheus.CounterVec
	Unmatched        prometheus.Counter
	InFlight         prometheus.Gauge
	HandlerDuration  *prometheus.HistogramVec
	Forwards         *prometheus.CounterVec
	WebhookRequests  *prometheus.CounterVec
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the relay collectors on reg, labelled with the service name.
func New(reg prometheus.Registerer, service string) *Metrics {
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, reg))

	return &Metrics{
		UpdatesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Updates decoded from the broker.",
		}),
		UpdatesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Updates dropped before dispatch, by reason.",
		}, []string{"reason"}),
		UpdatesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_published_total",
			Help:      "Updates published to the fan-out exchange.",
		}),
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Handler invocations by branch and outcome.",
		}, []string{"branch", "outcome"}),
		Unmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_total",
			Help:      "Updates no branch matched.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handlers_in_flight",
			Help:      "Handlers currently running.",
		}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler run time by branch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"branch"}),
		Forwards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Forwarding relay operations by direction and outcome.",
		}, []string{"direction", "outcome"}),
		WebhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries by endpoint and status code.",
		}, []string{"endpoint", "code"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
