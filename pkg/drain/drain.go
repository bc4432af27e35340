package drain

import (
	"context"
	"fmt"
	"sync"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/notify"
	"github.com/wopr-network/wopr-fleet/pkg/placement"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// Migrator moves one bot from its current node to a target node.
type Migrator interface {
	MigrateBot(ctx context.Context, bot *types.BotInstance, targetNodeID string) error
}

// Report is the per-bot outcome of a drain.
type Report struct {
	Migrated []string `json:"migrated"`
	Failed   []string `json:"failed"`
}

// Orchestrator migrates every tenant off a node before decommission.
type Orchestrator struct {
	store     storage.Store
	engine    *placement.Engine
	migrator  Migrator
	notifier  notify.Notifier
	broker    *events.Broker
	maxConcur int
}

func NewOrchestrator(store storage.Store, engine *placement.Engine, migrator Migrator, notifier notify.Notifier, broker *events.Broker, maxConcurrent int) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		store:     store,
		engine:    engine,
		migrator:  migrator,
		notifier:  notifier,
		broker:    broker,
		maxConcur: maxConcurrent,
	}
}

// Drain transitions the node to draining, migrates every hosted bot to a
// best-fit target, and takes the node offline only when every migration
// succeeded. A partial failure leaves the node draining and emits a
// capacity-overflow notification.
func (o *Orchestrator) Drain(ctx context.Context, nodeID string) (*Report, error) {
	logger := log.WithComponent("drain")

	// the draining edge must land before any migration is attempted
	if _, err := o.store.TransitionNode(nodeID, types.NodeStatusActive, types.NodeStatusDraining, "drain requested", "drain"); err != nil {
		return nil, err
	}
	o.broker.Publish(&events.Event{
		Type:     events.EventNodeDrainStarted,
		Metadata: map[string]string{"node_id": nodeID},
	})

	bots, err := o.store.ListBotsByNode(nodeID)
	if err != nil {
		return nil, err
	}

	report := &Report{Migrated: []string{}, Failed: []string{}}
	if len(bots) == 0 {
		if _, err := o.store.TransitionNode(nodeID, types.NodeStatusDraining, types.NodeStatusOffline, "drain complete", "drain"); err != nil {
			return nil, err
		}
		o.finish(nodeID, report)
		return report, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.maxConcur)

	for _, bot := range bots {
		wg.Add(1)
		sem <- struct{}{}
		go func(bot *types.BotInstance) {
			defer wg.Done()
			defer func() { <-sem }()
			err := o.migrateOne(ctx, nodeID, bot)
			mu.Lock()
			if err != nil {
				logger.Error().Err(err).
					Str("node_id", nodeID).
					Str("bot_id", bot.ID).
					Msg("migration failed")
				report.Failed = append(report.Failed, bot.ID)
			} else {
				report.Migrated = append(report.Migrated, bot.ID)
			}
			mu.Unlock()
		}(bot)
	}
	wg.Wait()

	if len(report.Failed) > 0 {
		// node stays draining; an operator retries or frees capacity
		o.notifier.CapacityOverflow(nodeID, len(report.Failed), len(bots))
		return report, nil
	}

	if _, err := o.store.TransitionNode(nodeID, types.NodeStatusDraining, types.NodeStatusOffline, "drain complete", "drain"); err != nil {
		return report, err
	}
	o.finish(nodeID, report)
	return report, nil
}

func (o *Orchestrator) migrateOne(ctx context.Context, sourceNodeID string, bot *types.BotInstance) error {
	requiredMb := bot.EstimatedMb
	if requiredMb <= 0 {
		requiredMb = placement.DefaultRequiredMb
	}
	target, err := o.engine.FindPlacement(requiredMb, sourceNodeID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("no capacity for bot %s (%d MB)", bot.ID, requiredMb)
	}

	if err := o.migrator.MigrateBot(ctx, bot, target.NodeID); err != nil {
		return err
	}

	bot.NodeID = target.NodeID
	if err := o.store.UpdateBot(bot); err != nil {
		return err
	}
	if err := o.store.ReserveNodeMemory(target.NodeID, requiredMb); err != nil {
		log.WithNodeID(target.NodeID).Warn().Err(err).Msg("reservation update failed")
	}
	return nil
}

func (o *Orchestrator) finish(nodeID string, report *Report) {
	o.notifier.NodeStatusChange(nodeID, string(types.NodeStatusDraining), string(types.NodeStatusOffline), "drain complete")
	o.broker.Publish(&events.Event{
		Type: events.EventNodeDrainCompleted,
		Metadata: map[string]string{
			"node_id":  nodeID,
			"migrated": fmt.Sprintf("%d", len(report.Migrated)),
		},
	})
}
