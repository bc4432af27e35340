package metrics

import (
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// BusStats is the slice of the command bus the collector reads.
type BusStats interface {
	PendingCount() int
}

// LinkStats is the slice of the link registry the collector reads.
type LinkStats interface {
	ConnectedNodes() []string
}

// Collector polls coordinator state into the fleet gauges.
type Collector struct {
	store  storage.Store
	bus    BusStats
	links  LinkStats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector. bus and links may be nil
// when the corresponding subsystem is not running.
func NewCollector(store storage.Store, bus BusStats, links LinkStats) *Collector {
	return &Collector{
		store:  store,
		bus:    bus,
		links:  links,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectBotMetrics()
	c.collectRecoveryMetrics()
	c.collectBusMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}

	counts := make(map[types.NodeStatus]int)
	for _, node := range nodes {
		counts[node.Status]++
		NodeCapacityMb.WithLabelValues(node.ID).Set(float64(node.CapacityMb))
		NodeUsedMb.WithLabelValues(node.ID).Set(float64(node.UsedMb))
	}

	NodesTotal.Reset()
	for status, count := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectBotMetrics() {
	bots, err := c.store.ListBots()
	if err != nil {
		return
	}

	counts := make(map[types.BillingState]int)
	for _, bot := range bots {
		counts[bot.BillingState]++
	}

	BotsTotal.Reset()
	for state, count := range counts {
		BotsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectRecoveryMetrics() {
	events, err := c.store.ListRecoveryEvents()
	if err != nil {
		return
	}

	counts := make(map[types.RecoveryStatus]int)
	waiting := 0
	for _, event := range events {
		counts[event.Status]++
		if event.Status == types.RecoveryStatusPartial || event.Status == types.RecoveryStatusInProgress {
			waiting += event.TenantsWaiting
		}
	}

	RecoveryEventsTotal.Reset()
	for status, count := range counts {
		RecoveryEventsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	TenantsWaiting.Set(float64(waiting))
}

func (c *Collector) collectBusMetrics() {
	if c.bus != nil {
		CommandsPending.Set(float64(c.bus.PendingCount()))
	}
	if c.links != nil {
		NodeLinksConnected.Set(float64(len(c.links.ConnectedNodes())))
	}
}
