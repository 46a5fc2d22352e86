// Package metrics exposes the realtime counters of the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nexus"

// Metrics groups the collectors used by the publisher and the gateway.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished     *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	Connections         prometheus.Gauge
	Subscriptions       prometheus.Gauge
	SubscriptionDenials *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "The number of realtime events published, per event kind.",
			}, []string{"kind"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "The number of failed realtime publishes.",
			}, []string{"kind"},
		),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "The number of open websocket connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_subscriptions",
			Help:      "The number of active channel subscriptions across connections.",
		}),
		SubscriptionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_denials_total",
				Help:      "The number of rejected channel subscriptions.",
			}, []string{"scope"},
		),
	}
	m.registry.MustRegister(
		m.EventsPublished,
		m.PublishFailures,
		m.Connections,
		m.Subscriptions,
		m.SubscriptionDenials,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
