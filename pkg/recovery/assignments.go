package recovery

import (
	"github.com/wopr-network/wopr-fleet/pkg/placement"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// StoreAssignments derives tenant assignments from the bot instance table.
// It returns bots in stable listing order; deployments with paid tiers wrap
// it with their own priority sort.
type StoreAssignments struct {
	store storage.Store
}

func NewStoreAssignments(store storage.Store) *StoreAssignments {
	return &StoreAssignments{store: store}
}

func (s *StoreAssignments) ListAssignments(nodeID string) ([]*types.TenantAssignment, error) {
	bots, err := s.store.ListBotsByNode(nodeID)
	if err != nil {
		return nil, err
	}
	assignments := make([]*types.TenantAssignment, 0, len(bots))
	for _, bot := range bots {
		if bot.BillingState == types.BillingStateDestroyed {
			continue
		}
		assignments = append(assignments, assignmentFor(bot))
	}
	return assignments, nil
}

func (s *StoreAssignments) ResolveAssignment(tenant string) (*types.TenantAssignment, error) {
	bots, err := s.store.ListBotsByTenant(tenant)
	if err != nil {
		return nil, err
	}
	for _, bot := range bots {
		if bot.BillingState != types.BillingStateDestroyed {
			return assignmentFor(bot), nil
		}
	}
	return nil, nil
}

func assignmentFor(bot *types.BotInstance) *types.TenantAssignment {
	estimated := bot.EstimatedMb
	if estimated <= 0 {
		estimated = placement.DefaultRequiredMb
	}
	return &types.TenantAssignment{
		BotID:         bot.ID,
		TenantID:      bot.TenantID,
		ContainerName: bot.Name,
		EstimatedMb:   estimated,
	}
}
