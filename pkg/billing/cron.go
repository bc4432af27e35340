package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// Debiter is the ledger surface the runtime cron needs.
type Debiter interface {
	Debit(tenantID string, amountCents int64, txType types.CreditTxType, description, referenceID string, allowNegative bool, attributedUserID string) (*types.CreditTransaction, error)
	Balance(tenantID string) (int64, error)
}

// RuntimeReport summarizes one daily billing pass.
type RuntimeReport struct {
	TenantsCharged   []string
	TenantsSuspended []string
	BotsDestroyed    []string
}

// RunDailyBilling charges every tenant with active bots for runtime and
// storage, suspends tenants whose balance is no longer positive, and
// destroys bots whose grace period lapsed. The per-day reference ID makes
// a rerun of the same day a no-op.
func (g *Gate) RunDailyBilling(ledger Debiter, now time.Time) (*RuntimeReport, error) {
	logger := log.WithComponent("billing")
	report := &RuntimeReport{}

	bots, err := g.store.ListBots()
	if err != nil {
		return nil, err
	}
	activeByTenant := make(map[string]int)
	for _, bot := range bots {
		if bot.BillingState == types.BillingStateActive {
			activeByTenant[bot.TenantID]++
		}
	}
	tenants := make([]string, 0, len(activeByTenant))
	for tenant := range activeByTenant {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	day := now.Format("2006-01-02")
	for _, tenant := range tenants {
		status, err := g.store.GetTenantStatus(tenant)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenant).Msg("tenant status lookup failed")
			continue
		}
		if status.Status == types.TenantBanned {
			continue
		}

		storageCents, err := g.GetStorageTierCostsForTenant(tenant)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenant).Msg("storage cost lookup failed")
			continue
		}
		amount := int64(activeByTenant[tenant])*g.config.RuntimeCentsPerDay + storageCents
		if amount <= 0 {
			continue
		}

		// usage debits never block on balance; suspension reconciles below
		_, err = ledger.Debit(
			tenant,
			amount,
			types.CreditTxBotRuntime,
			fmt.Sprintf("daily runtime for %d bot(s)", activeByTenant[tenant]),
			fmt.Sprintf("runtime:%s:%s", day, tenant),
			true,
			"",
		)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenant).Msg("runtime debit failed")
			continue
		}
		report.TenantsCharged = append(report.TenantsCharged, tenant)

		balance, err := ledger.Balance(tenant)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenant).Msg("balance lookup failed")
			continue
		}
		if balance <= 0 {
			if _, err := g.SuspendAllForTenant(tenant); err != nil {
				logger.Error().Err(err).Str("tenant_id", tenant).Msg("suspension failed")
				continue
			}
			report.TenantsSuspended = append(report.TenantsSuspended, tenant)
		}
	}

	destroyed, err := g.DestroyExpiredBots(now)
	if err != nil {
		logger.Error().Err(err).Msg("expired bot destruction failed")
	}
	report.BotsDestroyed = destroyed

	logger.Info().
		Int("charged", len(report.TenantsCharged)).
		Int("suspended", len(report.TenantsSuspended)).
		Int("destroyed", len(report.BotsDestroyed)).
		Msg("daily billing pass finished")
	return report, nil
}
