package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/log"
)

// EventKind identifies the shape of an admin notification.
type EventKind string

const (
	EventNodeRecoveryComplete  EventKind = "node_recovery_complete"
	EventNodeStatusChange      EventKind = "node_status_change"
	EventCapacityOverflow      EventKind = "capacity_overflow"
	EventWaitingTenantsExpired EventKind = "waiting_tenants_expired"
)

// Notifier delivers operational events to administrators.
type Notifier interface {
	NodeRecoveryComplete(nodeID string, recovered, failed, waiting int)
	NodeStatusChange(nodeID, fromStatus, toStatus, reason string)
	CapacityOverflow(nodeID string, affected, total int)
	WaitingTenantsExpired(eventID string, tenants []string)
}

// AdminNotifier logs every event and optionally POSTs it to a webhook.
type AdminNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewAdminNotifier creates a notifier. An empty webhookURL disables webhook
// delivery; events are still logged.
func NewAdminNotifier(webhookURL string) *AdminNotifier {
	return &AdminNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type payload struct {
	Event     EventKind              `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields"`
}

func (n *AdminNotifier) NodeRecoveryComplete(nodeID string, recovered, failed, waiting int) {
	logger := log.WithComponent("notify")
	logger.Info().
		Str("node_id", nodeID).
		Int("recovered", recovered).
		Int("failed", failed).
		Int("waiting", waiting).
		Msg("node recovery complete")
	n.post(EventNodeRecoveryComplete, map[string]interface{}{
		"node_id":   nodeID,
		"recovered": recovered,
		"failed":    failed,
		"waiting":   waiting,
	})
}

func (n *AdminNotifier) NodeStatusChange(nodeID, fromStatus, toStatus, reason string) {
	logger := log.WithComponent("notify")
	logger.Warn().
		Str("node_id", nodeID).
		Str("from", fromStatus).
		Str("to", toStatus).
		Str("reason", reason).
		Msg("node status change")
	n.post(EventNodeStatusChange, map[string]interface{}{
		"node_id": nodeID,
		"from":    fromStatus,
		"to":      toStatus,
		"reason":  reason,
	})
}

func (n *AdminNotifier) CapacityOverflow(nodeID string, affected, total int) {
	logger := log.WithComponent("notify")
	logger.Error().
		Str("node_id", nodeID).
		Int("affected", affected).
		Int("total", total).
		Msg("capacity overflow: tenants could not be placed")
	n.post(EventCapacityOverflow, map[string]interface{}{
		"node_id":  nodeID,
		"affected": affected,
		"total":    total,
	})
}

func (n *AdminNotifier) WaitingTenantsExpired(eventID string, tenants []string) {
	logger := log.WithComponent("notify")
	logger.Error().
		Str("recovery_event_id", eventID).
		Strs("tenants", tenants).
		Msg("waiting tenants expired without placement")
	n.post(EventWaitingTenantsExpired, map[string]interface{}{
		"recovery_event_id": eventID,
		"tenants":           tenants,
	})
}

// post is best-effort: webhook failures are logged, never surfaced.
func (n *AdminNotifier) post(kind EventKind, fields map[string]interface{}) {
	if n.webhookURL == "" {
		return
	}
	body, err := json.Marshal(payload{Event: kind, Timestamp: time.Now(), Fields: fields})
	if err != nil {
		return
	}
	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithComponent("notify").Warn().Err(err).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.WithComponent("notify").Warn().
			Int("status", resp.StatusCode).
			Msg("webhook delivery rejected")
	}
}
