package app

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons recorded on collab_messages_dropped_total.
const (
	DropPacketLoss   = "packet_loss"
	DropMalformed    = "malformed"
	DropRateLimited  = "rate_limited"
	DropStaleSession = "stale_session"
	DropBackpressure = "backpressure"
)

// Metrics are registered on a per-server registry so parallel server
// instances never share counters.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived    *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	FramesSent          prometheus.Counter
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	Evictions           prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_messages_received_total",
			Help: "Inbound messages parsed, by kind.",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_messages_dropped_total",
			Help: "Inbound messages or outbound frames that were not delivered, by reason.",
		}, []string{"reason"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_frames_sent_total",
			Help: "Outbound frames enqueued to sessions.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_connections_accepted_total",
			Help: "Connections that became sessions.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_connections_rejected_total",
			Help: "Connections closed at accept time, by reason.",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions_active",
			Help: "Live sessions.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_heartbeat_evictions_total",
			Help: "Sessions closed for inactivity.",
		}),
	}
	m.Registry.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.FramesSent,
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.SessionsActive,
		m.Evictions,
	)
	return m
}
