// Package metrics provides Prometheus instrumentation for the relay: live
// connection and presence gauges, envelope and delivery counters, and the
// size of the offline queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for EnvelopesTotal.
const (
	OutcomeDelivered   = "delivered"
	OutcomeQueued      = "queued"
	OutcomeReplayed    = "replayed"
	OutcomeDropped     = "dropped"
	OutcomeMalformed   = "malformed"
	OutcomeUnknown     = "unknown"
	OutcomeRateLimited = "rate_limited"
	OutcomeRegistered  = "registered"
)

// KindSocket labels SendFailures for frames lost when the socket write fails
// after the frame was queued.
const KindSocket = "socket"

var (
	// Connections tracks open WebSocket connections, registered or not.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the size of the online set.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of registered usernames",
	})

	// OfflineQueued tracks messages waiting for offline recipients.
	OfflineQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_offline_queued",
		Help: "Messages currently held for offline recipients",
	})

	// EnvelopesTotal counts inbound envelopes by kind and what happened to them.
	EnvelopesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_total",
		Help: "Inbound envelopes processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	// PresenceBroadcasts counts full online-set broadcasts.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Presence broadcasts sent after registry changes",
	})

	// SendFailures counts frames that could not be written, by outbound kind.
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Outbound frames that failed to send",
	}, []string{"kind"})

	// QueueEvictions counts queued messages overwritten by a capped queue.
	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_queue_evictions_total",
		Help: "Offline messages evicted because the recipient queue was full",
	})

	// RouteLatency records time spent handling one inbound envelope.
	RouteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_route_latency_seconds",
		Help:    "Time to route one inbound envelope",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		OnlineUsers,
		OfflineQueued,
		EnvelopesTotal,
		PresenceBroadcasts,
		SendFailures,
		QueueEvictions,
		RouteLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
