package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/metrics"
	"github.com/wopr-network/wopr-fleet/pkg/nodestate"
	"github.com/wopr-network/wopr-fleet/pkg/notify"
	"github.com/wopr-network/wopr-fleet/pkg/placement"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// ReasonNoCapacity marks a tenant queued because no node could host it.
const ReasonNoCapacity = "no_capacity"

// DefaultBotImage is used when a tenant has no stored profile.
const DefaultBotImage = "wopr/bot:latest"

// CommandSender issues one command to a node agent and waits for the
// correlated result. Satisfied by *bus.Bus.
type CommandSender interface {
	Send(ctx context.Context, nodeID string, cmd types.CommandType, payload map[string]interface{}) (map[string]interface{}, error)
}

// AssignmentSource provides the tenants hosted on a node, pre-sorted by
// tier priority (enterprise > pro > starter > free). The orchestrator
// processes them in receipt order and stays agnostic to tier definitions.
type AssignmentSource interface {
	ListAssignments(nodeID string) ([]*types.TenantAssignment, error)
	ResolveAssignment(tenant string) (*types.TenantAssignment, error)
}

// RecoveredTenant is one successfully rehydrated tenant.
type RecoveredTenant struct {
	Tenant string `json:"tenant"`
	Target string `json:"target"`
}

// FailedTenant is one tenant whose rehydration failed.
type FailedTenant struct {
	Tenant string `json:"tenant"`
	Error  string `json:"error"`
}

// WaitingTenant is one tenant queued for retry.
type WaitingTenant struct {
	Tenant string `json:"tenant"`
	Reason string `json:"reason"`
}

// Report is the aggregate outcome of one recovery pass.
type Report struct {
	Recovered []RecoveredTenant `json:"recovered"`
	Failed    []FailedTenant    `json:"failed"`
	Skipped   []string          `json:"skipped"`
	Waiting   []WaitingTenant   `json:"waiting"`
}

func newReport() *Report {
	return &Report{
		Recovered: []RecoveredTenant{},
		Failed:    []FailedTenant{},
		Skipped:   []string{},
		Waiting:   []WaitingTenant{},
	}
}

// Orchestrator restores tenants off a dead node onto surviving nodes,
// tracking per-tenant outcome in a persistent recovery event.
type Orchestrator struct {
	store    storage.Store
	engine   *placement.Engine
	bus      CommandSender
	source   AssignmentSource
	notifier notify.Notifier
	broker   *events.Broker
}

func NewOrchestrator(store storage.Store, engine *placement.Engine, b CommandSender, source AssignmentSource, notifier notify.Notifier, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		store:    store,
		engine:   engine,
		bus:      b,
		source:   source,
		notifier: notifier,
		broker:   broker,
	}
}

// TriggerRecovery brackets the dead node through offline and recovering,
// rehydrates each hosted tenant on a surviving node, and records the
// incident as a RecoveryEvent with one RecoveryItem per tenant.
func (o *Orchestrator) TriggerRecovery(ctx context.Context, deadNodeID string, trigger types.RecoveryTrigger) (*Report, error) {
	logger := log.WithComponent("recovery")

	if err := o.markOffline(deadNodeID, trigger); err != nil {
		return nil, err
	}
	if _, err := o.store.TransitionNode(deadNodeID, types.NodeStatusOffline, types.NodeStatusRecovering, "recovery started", "recovery"); err != nil {
		return nil, err
	}

	assignments, err := o.source.ListAssignments(deadNodeID)
	if err != nil {
		return nil, err
	}

	event := &types.RecoveryEvent{
		ID:           uuid.New().String(),
		NodeID:       deadNodeID,
		Trigger:      trigger,
		Status:       types.RecoveryStatusInProgress,
		TenantsTotal: len(assignments),
		StartedAt:    time.Now(),
	}
	if err := o.store.CreateRecoveryEvent(event); err != nil {
		return nil, err
	}
	metrics.RecoveriesTriggered.Inc()
	o.broker.Publish(&events.Event{
		Type:     events.EventRecoveryStarted,
		Metadata: map[string]string{"node_id": deadNodeID, "event_id": event.ID},
	})

	report := newReport()
	for _, assignment := range assignments {
		o.recoverTenant(ctx, event.ID, deadNodeID, assignment, report)
	}

	if _, err := o.store.TransitionNode(deadNodeID, types.NodeStatusRecovering, types.NodeStatusOffline, "recovery finished", "recovery"); err != nil {
		logger.Error().Err(err).Str("node_id", deadNodeID).Msg("post-recovery transition failed")
	}

	completedAt := time.Now()
	event.TenantsRecovered = len(report.Recovered)
	event.TenantsFailed = len(report.Failed)
	event.TenantsWaiting = len(report.Waiting)
	event.CompletedAt = &completedAt
	if len(report.Waiting) > 0 {
		event.Status = types.RecoveryStatusPartial
	} else {
		event.Status = types.RecoveryStatusCompleted
	}
	if reportJSON, err := json.Marshal(report); err == nil {
		event.ReportJSON = string(reportJSON)
	}
	if err := o.store.UpdateRecoveryEvent(event); err != nil {
		logger.Error().Err(err).Str("event_id", event.ID).Msg("recovery event update failed")
	}

	o.notifier.NodeRecoveryComplete(deadNodeID, len(report.Recovered), len(report.Failed), len(report.Waiting))
	if len(report.Waiting) > 0 {
		o.notifier.CapacityOverflow(deadNodeID, len(report.Waiting), event.TenantsTotal)
	}
	o.broker.Publish(&events.Event{
		Type:     events.EventRecoveryCompleted,
		Metadata: map[string]string{"node_id": deadNodeID, "event_id": event.ID, "status": string(event.Status)},
	})

	logger.Info().
		Str("node_id", deadNodeID).
		Str("event_id", event.ID).
		Int("recovered", len(report.Recovered)).
		Int("failed", len(report.Failed)).
		Int("waiting", len(report.Waiting)).
		Msg("recovery finished")
	return report, nil
}

// markOffline moves the node to offline. A lost optimistic guard is
// retried exactly once against the re-read status; the heartbeat sweep
// races registration and admin transitions here.
func (o *Orchestrator) markOffline(nodeID string, trigger types.RecoveryTrigger) error {
	reason := "recovery: " + string(trigger)
	node, err := o.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusOffline {
		return nil
	}
	_, err = o.store.TransitionNode(nodeID, node.Status, types.NodeStatusOffline, reason, "recovery")
	var conflict *nodestate.ConcurrentTransitionError
	if !errors.As(err, &conflict) {
		return err
	}
	node, err = o.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == types.NodeStatusOffline {
		return nil
	}
	_, err = o.store.TransitionNode(nodeID, node.Status, types.NodeStatusOffline, reason, "recovery")
	return err
}

// recoverTenant attempts one tenant and appends both to the in-memory
// report and the persistent item log.
func (o *Orchestrator) recoverTenant(ctx context.Context, eventID, deadNodeID string, assignment *types.TenantAssignment, report *Report) {
	startedAt := time.Now()
	backupKey := o.backupKeyFor(assignment)

	target, err := o.engine.FindPlacement(assignment.EstimatedMb, deadNodeID)
	if err == nil && target == nil {
		report.Waiting = append(report.Waiting, WaitingTenant{Tenant: assignment.TenantID, Reason: ReasonNoCapacity})
		o.putItem(&types.RecoveryItem{
			RecoveryEventID: eventID,
			Tenant:          assignment.TenantID,
			SourceNode:      deadNodeID,
			BackupKey:       backupKey,
			Status:          types.RecoveryItemWaiting,
			Reason:          ReasonNoCapacity,
			StartedAt:       startedAt,
		})
		o.broker.Publish(&events.Event{
			Type:     events.EventTenantWaiting,
			Metadata: map[string]string{"tenant": assignment.TenantID, "event_id": eventID},
		})
		return
	}

	var targetID string
	if target != nil {
		targetID = target.NodeID
	}
	if err == nil {
		err = o.rehydrate(ctx, targetID, assignment, backupKey)
	}

	completedAt := time.Now()
	item := &types.RecoveryItem{
		RecoveryEventID: eventID,
		Tenant:          assignment.TenantID,
		SourceNode:      deadNodeID,
		TargetNode:      targetID,
		BackupKey:       backupKey,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
	}

	if err != nil {
		item.Status = types.RecoveryItemFailed
		item.Reason = err.Error()
		report.Failed = append(report.Failed, FailedTenant{Tenant: assignment.TenantID, Error: err.Error()})
		o.putItem(item)
		log.WithTenantID(assignment.TenantID).Error().Err(err).
			Str("target_node", targetID).
			Msg("tenant recovery failed")
		return
	}

	if bot, botErr := o.store.GetBot(assignment.BotID); botErr == nil {
		bot.NodeID = targetID
		if updateErr := o.store.UpdateBot(bot); updateErr != nil {
			log.WithBotID(assignment.BotID).Warn().Err(updateErr).Msg("bot reassignment write failed")
		}
	}
	if updateErr := o.store.ReserveNodeMemory(targetID, assignment.EstimatedMb); updateErr != nil {
		log.WithNodeID(targetID).Warn().Err(updateErr).Msg("reservation update failed")
	}

	item.Status = types.RecoveryItemRecovered
	report.Recovered = append(report.Recovered, RecoveredTenant{Tenant: assignment.TenantID, Target: targetID})
	o.putItem(item)
	o.broker.Publish(&events.Event{
		Type:     events.EventTenantRecovered,
		Metadata: map[string]string{"tenant": assignment.TenantID, "target_node": targetID},
	})
}

// rehydrate runs the command sequence on the target: pull the snapshot,
// import the container with the tenant's profile, verify it exists.
func (o *Orchestrator) rehydrate(ctx context.Context, targetNodeID string, assignment *types.TenantAssignment, backupKey string) error {
	if _, err := o.bus.Send(ctx, targetNodeID, types.CommandBackupDownload, map[string]interface{}{
		"filename": backupKey,
	}); err != nil {
		return err
	}

	image := DefaultBotImage
	env := map[string]string{}
	if profile, err := o.store.GetBotProfile(assignment.BotID); err == nil && profile != nil {
		if profile.Image != "" {
			image = profile.Image
		}
		if profile.Env != nil {
			env = profile.Env
		}
	}

	if _, err := o.bus.Send(ctx, targetNodeID, types.CommandBotImport, map[string]interface{}{
		"name":  assignment.ContainerName,
		"image": image,
		"env":   env,
	}); err != nil {
		return err
	}
	if _, err := o.bus.Send(ctx, targetNodeID, types.CommandBotInspect, map[string]interface{}{
		"name": assignment.ContainerName,
	}); err != nil {
		return err
	}
	return nil
}

// backupKeyFor prefers the tenant's newest snapshot record; the
// conventional per-container key is the fallback when none exists.
func (o *Orchestrator) backupKeyFor(assignment *types.TenantAssignment) string {
	snaps, err := o.store.ListSnapshots(assignment.TenantID)
	if err != nil {
		log.WithTenantID(assignment.TenantID).Warn().Err(err).Msg("snapshot lookup failed")
	}
	var newest *types.Snapshot
	for _, snap := range snaps {
		if snap.StoragePath == "" {
			continue
		}
		if newest == nil || snap.CreatedAt.After(newest.CreatedAt) {
			newest = snap
		}
	}
	if newest != nil {
		return newest.StoragePath
	}
	return types.BackupKeyFor(assignment.ContainerName)
}

func (o *Orchestrator) putItem(item *types.RecoveryItem) {
	if err := o.store.CreateRecoveryItem(item); err != nil {
		log.WithComponent("recovery").Error().Err(err).
			Str("event_id", item.RecoveryEventID).
			Str("tenant", item.Tenant).
			Msg("recovery item write failed")
	}
}
