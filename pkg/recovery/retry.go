package recovery

import (
	"context"
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// RetryWaiting reprocesses the waiting items of a recovery event, typically
// after capacity returned. Every waiting item that gets an actual placement
// attempt ends the pass in a terminal state (recovered or failed) with its
// retry count incremented; items that still find no capacity stay waiting.
func (o *Orchestrator) RetryWaiting(ctx context.Context, eventID string) (*Report, error) {
	logger := log.WithComponent("recovery")

	event, err := o.store.GetRecoveryEvent(eventID)
	if err != nil {
		return nil, err
	}
	items, err := o.store.ListRecoveryItems(eventID)
	if err != nil {
		return nil, err
	}

	report := newReport()
	stillWaiting := 0

	for _, item := range items {
		if item.Status != types.RecoveryItemWaiting {
			continue
		}

		assignment, err := o.source.ResolveAssignment(item.Tenant)
		if err != nil || assignment == nil {
			// tenant no longer assigned anywhere; close the item out
			o.finishItem(item, types.RecoveryItemFailed, "", "assignment no longer resolvable")
			report.Skipped = append(report.Skipped, item.Tenant)
			continue
		}

		target, err := o.engine.FindPlacement(assignment.EstimatedMb, event.NodeID)
		if err != nil {
			o.finishItem(item, types.RecoveryItemFailed, "", err.Error())
			report.Failed = append(report.Failed, FailedTenant{Tenant: item.Tenant, Error: err.Error()})
			continue
		}
		if target == nil {
			item.RetryCount++
			if err := o.store.UpdateRecoveryItem(item); err != nil {
				logger.Error().Err(err).Str("tenant", item.Tenant).Msg("retry count update failed")
			}
			report.Waiting = append(report.Waiting, WaitingTenant{Tenant: item.Tenant, Reason: ReasonNoCapacity})
			stillWaiting++
			continue
		}

		if err := o.rehydrate(ctx, target.NodeID, assignment, item.BackupKey); err != nil {
			o.finishItem(item, types.RecoveryItemFailed, target.NodeID, err.Error())
			report.Failed = append(report.Failed, FailedTenant{Tenant: item.Tenant, Error: err.Error()})
			continue
		}

		if bot, botErr := o.store.GetBot(assignment.BotID); botErr == nil {
			bot.NodeID = target.NodeID
			if updateErr := o.store.UpdateBot(bot); updateErr != nil {
				log.WithBotID(assignment.BotID).Warn().Err(updateErr).Msg("bot reassignment write failed")
			}
		}
		if updateErr := o.store.ReserveNodeMemory(target.NodeID, assignment.EstimatedMb); updateErr != nil {
			log.WithNodeID(target.NodeID).Warn().Err(updateErr).Msg("reservation update failed")
		}

		o.finishItem(item, types.RecoveryItemRecovered, target.NodeID, "")
		report.Recovered = append(report.Recovered, RecoveredTenant{Tenant: item.Tenant, Target: target.NodeID})
		o.broker.Publish(&events.Event{
			Type:     events.EventTenantRecovered,
			Metadata: map[string]string{"tenant": item.Tenant, "target_node": target.NodeID},
		})
	}

	event.TenantsRecovered += len(report.Recovered)
	event.TenantsFailed += len(report.Failed) + len(report.Skipped)
	event.TenantsWaiting = stillWaiting
	if stillWaiting == 0 {
		event.Status = types.RecoveryStatusCompleted
	} else {
		event.Status = types.RecoveryStatusPartial
	}
	if err := o.store.UpdateRecoveryEvent(event); err != nil {
		logger.Error().Err(err).Str("event_id", eventID).Msg("recovery event update failed")
	}

	logger.Info().
		Str("event_id", eventID).
		Int("recovered", len(report.Recovered)).
		Int("failed", len(report.Failed)).
		Int("still_waiting", stillWaiting).
		Msg("retry pass finished")
	return report, nil
}

// DefaultWaitingTTL bounds how long a tenant may stay parked for capacity
// before the incident is closed out and an operator is paged.
const DefaultWaitingTTL = 7 * 24 * time.Hour

// ExpireWaiting closes out waiting items older than ttl as failed and
// notifies the admin channel with the affected tenants. Returns the
// expired tenant IDs.
func (o *Orchestrator) ExpireWaiting(eventID string, ttl time.Duration, now time.Time) ([]string, error) {
	event, err := o.store.GetRecoveryEvent(eventID)
	if err != nil {
		return nil, err
	}
	items, err := o.store.ListRecoveryItems(eventID)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, item := range items {
		if item.Status != types.RecoveryItemWaiting {
			continue
		}
		if now.Sub(item.StartedAt) < ttl {
			continue
		}
		completedAt := now
		item.Status = types.RecoveryItemFailed
		item.Reason = "waiting expired"
		item.CompletedAt = &completedAt
		if err := o.store.UpdateRecoveryItem(item); err != nil {
			log.WithComponent("recovery").Error().Err(err).
				Str("tenant", item.Tenant).
				Msg("recovery item update failed")
			continue
		}
		expired = append(expired, item.Tenant)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	event.TenantsFailed += len(expired)
	event.TenantsWaiting -= len(expired)
	if event.TenantsWaiting <= 0 {
		event.TenantsWaiting = 0
		event.Status = types.RecoveryStatusCompleted
	}
	if err := o.store.UpdateRecoveryEvent(event); err != nil {
		log.WithComponent("recovery").Error().Err(err).
			Str("event_id", eventID).
			Msg("recovery event update failed")
	}

	o.notifier.WaitingTenantsExpired(eventID, expired)
	return expired, nil
}

func (o *Orchestrator) finishItem(item *types.RecoveryItem, status types.RecoveryItemStatus, targetNode, reason string) {
	completedAt := time.Now()
	item.Status = status
	item.TargetNode = targetNode
	item.Reason = reason
	item.CompletedAt = &completedAt
	item.RetryCount++
	if err := o.store.UpdateRecoveryItem(item); err != nil {
		log.WithComponent("recovery").Error().Err(err).
			Str("tenant", item.Tenant).
			Msg("recovery item update failed")
	}
}
