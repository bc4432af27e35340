package billing

import (
	"fmt"
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/metrics"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

const (
	// DefaultGracePeriod is how long a suspended bot survives before it is
	// eligible for destruction.
	DefaultGracePeriod = 30 * 24 * time.Hour

	// DefaultRuntimeCentsPerDay is the per-bot daily runtime charge.
	DefaultRuntimeCentsPerDay int64 = 100

	// DefaultStorageTier is assigned when a bot has no explicit tier.
	DefaultStorageTier = "basic"
)

// DefaultTierCosts are per-bot daily storage charges in cents by tier.
var DefaultTierCosts = map[string]int64{
	"basic":    0,
	"standard": 20,
	"premium":  65,
}

// Config holds billing gate tuning.
type Config struct {
	GracePeriod        time.Duration
	RuntimeCentsPerDay int64
	TierCosts          map[string]int64
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:        DefaultGracePeriod,
		RuntimeCentsPerDay: DefaultRuntimeCentsPerDay,
		TierCosts:          DefaultTierCosts,
	}
}

// Gate ties a tenant's workloads to its credit balance: suspension when
// the balance hits zero, reactivation when it recovers, destruction after
// the grace period.
type Gate struct {
	store  storage.Store
	broker *events.Broker
	config Config
}

func NewGate(store storage.Store, broker *events.Broker, config Config) *Gate {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.RuntimeCentsPerDay <= 0 {
		config.RuntimeCentsPerDay = DefaultRuntimeCentsPerDay
	}
	if config.TierCosts == nil {
		config.TierCosts = DefaultTierCosts
	}
	return &Gate{store: store, broker: broker, config: config}
}

// SuspendAllForTenant suspends every active bot of a tenant and stamps the
// destruction deadline. Returns the suspended bot IDs.
func (g *Gate) SuspendAllForTenant(tenantID string) ([]string, error) {
	bots, err := g.store.ListBotsByTenant(tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	destroyAfter := now.Add(g.config.GracePeriod)
	var suspended []string
	for _, bot := range bots {
		if bot.BillingState != types.BillingStateActive {
			continue
		}
		bot.BillingState = types.BillingStateSuspended
		suspendedAt := now
		bot.SuspendedAt = &suspendedAt
		deadline := destroyAfter
		bot.DestroyAfter = &deadline
		if err := g.store.UpdateBot(bot); err != nil {
			return suspended, err
		}
		suspended = append(suspended, bot.ID)
		metrics.BotsSuspended.Inc()
		g.broker.Publish(&events.Event{
			Type:     events.EventBotSuspended,
			Metadata: map[string]string{"tenant_id": tenantID, "bot_id": bot.ID},
		})
	}
	if len(suspended) > 0 {
		log.WithTenantID(tenantID).Warn().
			Int("bots", len(suspended)).
			Msg("tenant bots suspended for zero balance")
	}
	return suspended, nil
}

// CheckReactivation flips every suspended bot back to active when the
// tenant's balance is positive again. Returns the reactivated bot IDs.
func (g *Gate) CheckReactivation(tenantID string) ([]string, error) {
	balance, err := g.store.GetBalance(tenantID)
	if err != nil {
		return nil, err
	}
	if balance <= 0 {
		return nil, nil
	}

	bots, err := g.store.ListBotsByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	var reactivated []string
	for _, bot := range bots {
		if bot.BillingState != types.BillingStateSuspended {
			continue
		}
		bot.BillingState = types.BillingStateActive
		bot.SuspendedAt = nil
		bot.DestroyAfter = nil
		if err := g.store.UpdateBot(bot); err != nil {
			return reactivated, err
		}
		reactivated = append(reactivated, bot.ID)
		g.broker.Publish(&events.Event{
			Type:     events.EventBotReactivated,
			Metadata: map[string]string{"tenant_id": tenantID, "bot_id": bot.ID},
		})
	}
	return reactivated, nil
}

// DestroyExpiredBots marks every suspended bot whose grace period has
// lapsed as destroyed. Container teardown is performed by a collaborator
// observing the returned IDs.
func (g *Gate) DestroyExpiredBots(now time.Time) ([]string, error) {
	bots, err := g.store.ListBots()
	if err != nil {
		return nil, err
	}
	var destroyed []string
	for _, bot := range bots {
		if bot.BillingState != types.BillingStateSuspended {
			continue
		}
		if bot.DestroyAfter == nil || bot.DestroyAfter.After(now) {
			continue
		}
		bot.BillingState = types.BillingStateDestroyed
		if err := g.store.UpdateBot(bot); err != nil {
			return destroyed, err
		}
		destroyed = append(destroyed, bot.ID)
		metrics.BotsDestroyed.Inc()
		g.broker.Publish(&events.Event{
			Type:     events.EventBotDestroyed,
			Metadata: map[string]string{"tenant_id": bot.TenantID, "bot_id": bot.ID},
		})
	}
	return destroyed, nil
}

// RegisterBot records a new workload assignment in the active state.
func (g *Gate) RegisterBot(botID, tenantID, name string) (*types.BotInstance, error) {
	bot := &types.BotInstance{
		ID:           botID,
		TenantID:     tenantID,
		Name:         name,
		BillingState: types.BillingStateActive,
		StorageTier:  DefaultStorageTier,
		CreatedAt:    time.Now(),
	}
	if err := g.store.CreateBot(bot); err != nil {
		return nil, err
	}
	return bot, nil
}

// ReactivateBot flips one suspended bot back to active.
func (g *Gate) ReactivateBot(botID string) error {
	bot, err := g.store.GetBot(botID)
	if err != nil {
		return err
	}
	if bot.BillingState == types.BillingStateDestroyed {
		return fmt.Errorf("bot %s is destroyed", botID)
	}
	bot.BillingState = types.BillingStateActive
	bot.SuspendedAt = nil
	bot.DestroyAfter = nil
	return g.store.UpdateBot(bot)
}

// DestroyBot marks one bot destroyed. Destroyed is terminal.
func (g *Gate) DestroyBot(botID string) error {
	bot, err := g.store.GetBot(botID)
	if err != nil {
		return err
	}
	bot.BillingState = types.BillingStateDestroyed
	return g.store.UpdateBot(bot)
}

// GetActiveBotCount counts a tenant's active bots.
func (g *Gate) GetActiveBotCount(tenantID string) (int, error) {
	bots, err := g.store.ListBotsByTenant(tenantID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, bot := range bots {
		if bot.BillingState == types.BillingStateActive {
			count++
		}
	}
	return count, nil
}

// GetStorageTier returns a bot's tier, defaulting when unset.
func (g *Gate) GetStorageTier(botID string) (string, error) {
	bot, err := g.store.GetBot(botID)
	if err != nil {
		return "", err
	}
	if bot.StorageTier == "" {
		return DefaultStorageTier, nil
	}
	return bot.StorageTier, nil
}

// SetStorageTier assigns a bot's tier; the tier must be priced.
func (g *Gate) SetStorageTier(botID, tier string) error {
	if _, ok := g.config.TierCosts[tier]; !ok {
		return fmt.Errorf("unknown storage tier %q", tier)
	}
	bot, err := g.store.GetBot(botID)
	if err != nil {
		return err
	}
	bot.StorageTier = tier
	return g.store.UpdateBot(bot)
}

// GetStorageTierCostsForTenant sums the daily storage charges over the
// tenant's active bots.
func (g *Gate) GetStorageTierCostsForTenant(tenantID string) (int64, error) {
	bots, err := g.store.ListBotsByTenant(tenantID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, bot := range bots {
		if bot.BillingState != types.BillingStateActive {
			continue
		}
		tier := bot.StorageTier
		if tier == "" {
			tier = DefaultStorageTier
		}
		total += g.config.TierCosts[tier]
	}
	return total, nil
}
