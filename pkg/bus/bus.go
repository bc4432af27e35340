package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/metrics"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// DefaultTimeout bounds how long a command waits for its result.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned when the target node has no live link.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when a command's result did not arrive in time.
	ErrTimeout = errors.New("command timed out")
)

// CommandError is an agent-reported command failure.
type CommandError struct {
	Command types.CommandType
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Bus is the correlated request/response layer over node links. Commands to
// the same node are not serialized; callers that require ordering must chain.
type Bus struct {
	registry *Registry
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan *types.CommandResultFrame
}

func NewBus(registry *Registry, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bus{
		registry: registry,
		timeout:  timeout,
		pending:  make(map[string]chan *types.CommandResultFrame),
	}
}

// Send issues one command to a node and waits for the correlated result.
// Returns the result data on success; ErrNotConnected, ErrTimeout, or a
// CommandError otherwise.
func (b *Bus) Send(ctx context.Context, nodeID string, cmd types.CommandType, payload map[string]interface{}) (map[string]interface{}, error) {
	if !types.AllowedCommands[cmd] {
		return nil, fmt.Errorf("command type %q not allowed", cmd)
	}
	link := b.registry.Get(nodeID)
	if link == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotConnected)
	}

	id := uuid.New().String()
	resultCh := make(chan *types.CommandResultFrame, 1)

	b.mu.Lock()
	b.pending[id] = resultCh
	b.mu.Unlock()
	defer b.drop(id)

	frame := &types.CommandFrame{ID: id, Type: cmd, Payload: payload}
	if err := link.WriteJSON(frame); err != nil {
		return nil, fmt.Errorf("write to node %s: %w", nodeID, err)
	}
	metrics.CommandsSent.WithLabelValues(string(cmd)).Inc()

	log.WithNodeID(nodeID).Debug().
		Str("command_id", id).
		Str("command", string(cmd)).
		Msg("command sent")

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.Success {
			return result.Data, nil
		}
		msg := result.Error
		if msg == "" {
			msg = "command failed"
		}
		metrics.CommandFailures.WithLabelValues(string(cmd)).Inc()
		return nil, &CommandError{Command: cmd, Message: msg}
	case <-timer.C:
		metrics.CommandFailures.WithLabelValues(string(cmd)).Inc()
		return nil, fmt.Errorf("node %s command %s: %w", nodeID, cmd, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResult delivers an inbound command_result frame to its waiter.
// Unmatched results are dropped: the sender already timed out.
func (b *Bus) HandleResult(frame *types.CommandResultFrame) {
	b.mu.Lock()
	resultCh, ok := b.pending[frame.ID]
	if ok {
		delete(b.pending, frame.ID)
	}
	b.mu.Unlock()
	if !ok {
		log.WithComponent("bus").Debug().
			Str("command_id", frame.ID).
			Msg("result for unknown command dropped")
		return
	}
	resultCh <- frame
}

// PendingCount reports in-flight commands, for metrics.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bus) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
