package nodestate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  types.NodeStatus
		to    types.NodeStatus
		valid bool
	}{
		{"provisioning to active", types.NodeStatusProvisioning, types.NodeStatusActive, true},
		{"provisioning to failed", types.NodeStatusProvisioning, types.NodeStatusFailed, true},
		{"provisioning to draining", types.NodeStatusProvisioning, types.NodeStatusDraining, false},
		{"active to draining", types.NodeStatusActive, types.NodeStatusDraining, true},
		{"active to offline", types.NodeStatusActive, types.NodeStatusOffline, true},
		{"active to degraded", types.NodeStatusActive, types.NodeStatusDegraded, true},
		{"active to recovering", types.NodeStatusActive, types.NodeStatusRecovering, false},
		{"degraded to active", types.NodeStatusDegraded, types.NodeStatusActive, true},
		{"degraded to failed", types.NodeStatusDegraded, types.NodeStatusFailed, true},
		{"draining to active", types.NodeStatusDraining, types.NodeStatusActive, true},
		{"draining to offline", types.NodeStatusDraining, types.NodeStatusOffline, true},
		{"draining to failed", types.NodeStatusDraining, types.NodeStatusFailed, false},
		{"offline to recovering", types.NodeStatusOffline, types.NodeStatusRecovering, true},
		{"offline to returning", types.NodeStatusOffline, types.NodeStatusReturning, true},
		{"offline to active", types.NodeStatusOffline, types.NodeStatusActive, true},
		{"recovering to offline", types.NodeStatusRecovering, types.NodeStatusOffline, true},
		{"recovering to failed", types.NodeStatusRecovering, types.NodeStatusFailed, true},
		{"recovering to active", types.NodeStatusRecovering, types.NodeStatusActive, false},
		{"returning to active", types.NodeStatusReturning, types.NodeStatusActive, true},
		{"returning to failed", types.NodeStatusReturning, types.NodeStatusFailed, true},
		{"failed to recovering", types.NodeStatusFailed, types.NodeStatusRecovering, true},
		{"failed to active", types.NodeStatusFailed, types.NodeStatusActive, true},
		{"failed to offline", types.NodeStatusFailed, types.NodeStatusOffline, false},
		{"self transition", types.NodeStatusActive, types.NodeStatusActive, false},
		{"unknown from", types.NodeStatus("bogus"), types.NodeStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionErrors(t *testing.T) {
	ite := &InvalidTransitionError{From: types.NodeStatusActive, To: types.NodeStatusRecovering}
	assert.Contains(t, ite.Error(), "active")
	assert.Contains(t, ite.Error(), "recovering")
	assert.True(t, IsInvalidTransition(ite))
	assert.False(t, IsConcurrentTransition(ite))

	cte := &ConcurrentTransitionError{NodeID: "node-1", Expected: types.NodeStatusActive}
	assert.Contains(t, cte.Error(), "node-1")
	assert.True(t, IsConcurrentTransition(cte))
	assert.False(t, IsInvalidTransition(cte))
}
