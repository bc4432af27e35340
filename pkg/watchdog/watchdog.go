package watchdog

import (
	"sync"
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

const (
	// DefaultInterval is the sweep period.
	DefaultInterval = 30 * time.Second

	// DefaultDeadThreshold is how long a node may stay silent before it is
	// declared dead.
	DefaultDeadThreshold = 90 * time.Second
)

// Config holds watchdog tuning.
type Config struct {
	Interval      time.Duration
	DeadThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      DefaultInterval,
		DeadThreshold: DefaultDeadThreshold,
	}
}

// Watchdog ingests heartbeats and declares silent nodes dead. It never
// changes node status itself: dead nodes are handed to the onDead callback,
// which the recovery orchestrator serves.
type Watchdog struct {
	store  storage.Store
	broker *events.Broker
	config Config
	onDead func(nodeID string)

	mu       sync.Mutex
	inFlight map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(store storage.Store, broker *events.Broker, config Config, onDead func(nodeID string)) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.DeadThreshold <= 0 {
		config.DeadThreshold = DefaultDeadThreshold
	}
	return &Watchdog{
		store:    store,
		broker:   broker,
		config:   config,
		onDead:   onDead,
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop stops the sweep loop.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(time.Now())
		case <-w.stopCh:
			return
		}
	}
}

// HandleHeartbeat records a heartbeat: usedMb is the sum of container
// memory, zero when the agent reports no containers.
func (w *Watchdog) HandleHeartbeat(frame *types.HeartbeatFrame) {
	usedMb := 0
	for _, container := range frame.Containers {
		usedMb += container.MemoryMb
	}
	if err := w.store.UpdateHeartbeat(frame.NodeID, usedMb, time.Now().Unix()); err != nil {
		log.WithNodeID(frame.NodeID).Warn().Err(err).Msg("heartbeat update failed")
	}
}

// HandleHealthEvent records an agent-side container event.
func (w *Watchdog) HandleHealthEvent(frame *types.HealthEventFrame) {
	log.WithNodeID(frame.NodeID).Warn().
		Str("container", frame.Container).
		Str("event", frame.Event).
		Str("message", frame.Message).
		Msg("container health event")
	w.broker.Publish(&events.Event{
		Type:    events.EventNodeHeartbeatLost,
		Message: frame.Event,
		Metadata: map[string]string{
			"node_id":   frame.NodeID,
			"container": frame.Container,
			"event":     frame.Event,
		},
	})
}

// Sweep runs one liveness pass. Dead nodes are dispatched to onDead on
// their own goroutine so a slow recovery cannot block the next sweep; a
// node with a recovery already in flight is skipped.
func (w *Watchdog) Sweep(now time.Time) {
	logger := log.WithComponent("watchdog")

	nodes, err := w.store.ListNodes()
	if err != nil {
		logger.Error().Err(err).Msg("sweep: list nodes failed")
		return
	}

	for _, node := range nodes {
		switch node.Status {
		case types.NodeStatusActive, types.NodeStatusDegraded, types.NodeStatusDraining:
		default:
			continue
		}
		if node.LastHeartbeatAt == 0 {
			continue
		}
		silence := now.Unix() - node.LastHeartbeatAt
		if silence < int64(w.config.DeadThreshold.Seconds()) {
			continue
		}

		w.mu.Lock()
		if w.inFlight[node.ID] {
			w.mu.Unlock()
			continue
		}
		w.inFlight[node.ID] = true
		w.mu.Unlock()

		logger.Error().
			Str("node_id", node.ID).
			Int64("silence_s", silence).
			Msg("node heartbeat lost, triggering recovery")
		w.broker.Publish(&events.Event{
			Type:     events.EventNodeHeartbeatLost,
			Metadata: map[string]string{"node_id": node.ID},
		})

		nodeID := node.ID
		go func() {
			defer func() {
				w.mu.Lock()
				delete(w.inFlight, nodeID)
				w.mu.Unlock()
			}()
			w.onDead(nodeID)
		}()
	}
}
