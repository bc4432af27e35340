package placement

import (
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// DefaultRequiredMb is the assumed footprint when a workload carries no
// estimate.
const DefaultRequiredMb = 100

// Candidate is a node selected to receive a workload.
type Candidate struct {
	NodeID      string
	Host        string
	AvailableMb int
}

// Engine selects target nodes for new and migrating workloads.
type Engine struct {
	store storage.Store
}

func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store}
}

// FindPlacement returns the active node with the most free capacity that can
// fit requiredMb, or nil when no node qualifies. Nodes in excludeIDs are
// skipped; degraded nodes are never candidates.
func (e *Engine) FindPlacement(requiredMb int, excludeIDs ...string) (*Candidate, error) {
	if requiredMb <= 0 {
		requiredMb = DefaultRequiredMb
	}
	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	nodes, err := e.store.ListNodes()
	if err != nil {
		return nil, err
	}

	var best *types.Node
	for _, node := range nodes {
		if node.Status != types.NodeStatusActive || excluded[node.ID] {
			continue
		}
		if node.AvailableMb() < requiredMb {
			continue
		}
		if best == nil || node.AvailableMb() > best.AvailableMb() {
			best = node
		}
	}
	if best == nil {
		return nil, nil
	}
	return &Candidate{NodeID: best.ID, Host: best.Host, AvailableMb: best.AvailableMb()}, nil
}
