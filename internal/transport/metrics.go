package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busytex_transport_messages_sent_total",
			Help: "Messages sent to engine hosts, by message type.",
		},
		[]string{"type"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busytex_transport_messages_received_total",
			Help: "Messages received from engine hosts, by message type.",
		},
		[]string{"type"},
	)

	staleResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "busytex_transport_stale_responses_total",
			Help: "Responses discarded because their request was no longer pending.",
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "busytex_transport_pending_requests",
			Help: "Requests sent to an engine host and awaiting a final response.",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(staleResponses)
	prometheus.MustRegister(pendingRequests)
}
