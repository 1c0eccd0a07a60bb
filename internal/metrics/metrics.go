package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_syncd",
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by policy and outcome.",
		},
		[]string{"policy", "outcome"},
	)

	syncEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_syncd",
			Name:      "sync_entries_total",
			Help:      "Processed sync queue entries by outcome.",
		},
		[]string{"outcome"},
	)

	hubMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger_syncd",
			Name:      "hub_messages_total",
			Help:      "Hub protocol messages by type.",
		},
		[]string{"type"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(gatewayRequests, syncEntries, hubMessages)
	})
}

// IncGateway increments the gateway counter for a policy/outcome pair.
func IncGateway(policy, outcome string) {
	gatewayRequests.WithLabelValues(policy, outcome).Inc()
}

// IncSyncEntry increments the sync entry counter for an outcome.
func IncSyncEntry(outcome string) {
	syncEntries.WithLabelValues(outcome).Inc()
}

// IncHubMessage increments the hub message counter for a message type.
func IncHubMessage(msgType string) {
	hubMessages.WithLabelValues(msgType).Inc()
}
