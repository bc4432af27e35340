package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_nodes_total",
			Help: "Number of fleet nodes by status",
		},
		[]string{"status"},
	)

	NodeCapacityMb = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_node_capacity_mb",
			Help: "Per-node memory capacity in megabytes",
		},
		[]string{"node_id"},
	)

	NodeUsedMb = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_node_used_mb",
			Help: "Per-node memory in use in megabytes",
		},
		[]string{"node_id"},
	)

	BotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_bots_total",
			Help: "Number of bot instances by billing state",
		},
		[]string{"billing_state"},
	)

	// Command bus metrics
	NodeLinksConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_node_links_connected",
			Help: "Number of node agents with an open command link",
		},
	)

	CommandsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_commands_pending",
			Help: "Commands dispatched and still awaiting a result",
		},
	)

	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_commands_sent_total",
			Help: "Total commands dispatched to node agents by command name",
		},
		[]string{"command"},
	)

	CommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_command_failures_total",
			Help: "Total failed commands by command name",
		},
		[]string{"command"},
	)

	// Recovery metrics
	RecoveryEventsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_recovery_events_total",
			Help: "Number of recovery events by status",
		},
		[]string{"status"},
	)

	TenantsWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_tenants_waiting",
			Help: "Tenants parked waiting for capacity across open recovery events",
		},
	)

	RecoveriesTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_recoveries_triggered_total",
			Help: "Total recovery runs triggered",
		},
	)

	// Billing metrics
	CreditTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_credit_transactions_total",
			Help: "Total ledger transactions appended by type",
		},
		[]string{"type"},
	)

	BotsSuspended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_bots_suspended_total",
			Help: "Total bot suspensions by the billing gate",
		},
	)

	BotsDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_bots_destroyed_total",
			Help: "Total bots destroyed after the grace period lapsed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeCapacityMb)
	prometheus.MustRegister(NodeUsedMb)
	prometheus.MustRegister(BotsTotal)
	prometheus.MustRegister(NodeLinksConnected)
	prometheus.MustRegister(CommandsPending)
	prometheus.MustRegister(CommandsSent)
	prometheus.MustRegister(CommandFailures)
	prometheus.MustRegister(RecoveryEventsTotal)
	prometheus.MustRegister(TenantsWaiting)
	prometheus.MustRegister(RecoveriesTriggered)
	prometheus.MustRegister(CreditTransactionsTotal)
	prometheus.MustRegister(BotsSuspended)
	prometheus.MustRegister(BotsDestroyed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
