package nodestate

import (
	"errors"
	"fmt"

	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// validTransitions enumerates every legal (from, to) edge on Node.Status.
// failed -> recovering|active is a manual operator path.
var validTransitions = map[types.NodeStatus][]types.NodeStatus{
	types.NodeStatusProvisioning: {types.NodeStatusActive, types.NodeStatusFailed},
	types.NodeStatusActive:       {types.NodeStatusDraining, types.NodeStatusOffline, types.NodeStatusDegraded},
	types.NodeStatusDegraded:     {types.NodeStatusActive, types.NodeStatusOffline, types.NodeStatusFailed},
	types.NodeStatusDraining:     {types.NodeStatusActive, types.NodeStatusOffline},
	types.NodeStatusOffline:      {types.NodeStatusRecovering, types.NodeStatusReturning, types.NodeStatusActive},
	types.NodeStatusRecovering:   {types.NodeStatusOffline, types.NodeStatusFailed},
	types.NodeStatusReturning:    {types.NodeStatusActive, types.NodeStatusFailed},
	types.NodeStatusFailed:       {types.NodeStatusRecovering, types.NodeStatusActive},
}

// IsValidTransition reports whether a node may move from one status to
// another. It is a pure function; callers decide whether and when to apply
// the transition.
func IsValidTransition(from, to types.NodeStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ErrNodeNotFound is returned when a transition targets an unknown node.
var ErrNodeNotFound = errors.New("node not found")

// InvalidTransitionError reports a forbidden state-machine edge.
type InvalidTransitionError struct {
	From types.NodeStatus
	To   types.NodeStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid node transition from %s to %s", e.From, e.To)
}

// ConcurrentTransitionError reports a lost optimistic write: another writer
// moved the node's status between read and update.
type ConcurrentTransitionError struct {
	NodeID   string
	Expected types.NodeStatus
}

func (e *ConcurrentTransitionError) Error() string {
	return fmt.Sprintf("concurrent transition on node %s: status no longer %s", e.NodeID, e.Expected)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// IsConcurrentTransition reports whether err is a ConcurrentTransitionError.
func IsConcurrentTransition(err error) bool {
	var cte *ConcurrentTransitionError
	return errors.As(err, &cte)
}
