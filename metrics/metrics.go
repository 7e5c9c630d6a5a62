// Package metrics exposes the counters the dispatcher and RTT engine
// update, registered on a private prometheus client_golang registry
// (Registry) rather than the default one promhttp.Handler() serves;
// cmd/sipcore-dispatcher exposes it through promhttp.HandlerFor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the collector registry every counter in this package is
// registered against. Swappable in tests so assertions don't leak state
// across packages sharing prometheus.DefaultRegisterer.
var Registry = prometheus.NewRegistry()

var (
	// MessagesReceived counts inbound SIP datagrams the dispatcher parsed,
	// labeled by message kind (request/response) and whether a live
	// transaction claimed it.
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "dispatch",
		Name:      "messages_received_total",
		Help:      "Inbound SIP datagrams parsed by the dispatcher.",
	}, []string{"kind", "matched"})

	// MessagesSent counts outbound SIP datagrams written to a channel.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "dispatch",
		Name:      "messages_sent_total",
		Help:      "Outbound SIP datagrams written to a MessageChannel.",
	}, []string{"kind"})

	// TransactionsStarted counts transactions created, labeled by role
	// (client/server) and kind (invite/non_invite).
	TransactionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "dispatch",
		Name:      "transactions_started_total",
		Help:      "Transactions started by the dispatcher.",
	}, []string{"role", "kind"})

	// TransactionsTerminated counts transaction completions, labeled by
	// the transaction.Reason string.
	TransactionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "dispatch",
		Name:      "transactions_terminated_total",
		Help:      "Transactions terminated, labeled by termination reason.",
	}, []string{"reason"})

	// RttPacketsSent counts RTP packets written by an rtt.Sender, labeled
	// by whether the packet carried RED redundancy.
	RttPacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "rtt",
		Name:      "packets_sent_total",
		Help:      "RTP packets sent by the real-time text engine.",
	}, []string{"red"})

	// RttGenerationsRecovered counts redundant generations a Receiver
	// used to fill a sequence gap.
	RttGenerationsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "rtt",
		Name:      "generations_recovered_total",
		Help:      "Text generations recovered from RED redundancy after a lost packet.",
	})
)

func init() {
	Registry.MustRegister(
		MessagesReceived,
		MessagesSent,
		TransactionsStarted,
		TransactionsTerminated,
		RttPacketsSent,
		RttGenerationsRecovered,
	)
}
