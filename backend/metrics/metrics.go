// Package metrics exposes broker counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "objsync"

// Reasons a frame is dropped by the broker.
const (
	DropUndecodable = "undecodable"
	DropInvalid     = "invalid"
	DropNotJoined   = "not_joined"
	DropPublish     = "publish_failed"
	// DropSlowConsumer counts bus deliveries lost before reaching the switch.
	DropSlowConsumer = "slow_consumer"
)

type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	Joins             prometheus.Counter
	JoinRejections    prometheus.Counter
	MessagesPublished *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	BusDeliveries     prometheus.Counter
}

// New creates the broker metrics on their own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Websocket connections currently open.",
		}),
		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Room joins admitted.",
		}),
		JoinRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_rejections_total",
			Help:      "Room joins refused by the capacity policy.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Envelopes published to rooms, by command.",
		}, []string{"command"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason.",
		}, []string{"reason"}),
		BusDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_deliveries_total",
			Help:      "Frames received from the bus for local delivery.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsActive,
		m.Joins,
		m.JoinRejections,
		m.MessagesPublished,
		m.FramesDropped,
		m.BusDeliveries,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
