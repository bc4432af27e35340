package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopr-network/wopr-fleet/pkg/api"
	"github.com/wopr-network/wopr-fleet/pkg/billing"
	"github.com/wopr-network/wopr-fleet/pkg/bus"
	"github.com/wopr-network/wopr-fleet/pkg/config"
	"github.com/wopr-network/wopr-fleet/pkg/drain"
	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/inference"
	"github.com/wopr-network/wopr-fleet/pkg/ledger"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/metrics"
	"github.com/wopr-network/wopr-fleet/pkg/notify"
	"github.com/wopr-network/wopr-fleet/pkg/placement"
	"github.com/wopr-network/wopr-fleet/pkg/recovery"
	"github.com/wopr-network/wopr-fleet/pkg/registry"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
	"github.com/wopr-network/wopr-fleet/pkg/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet coordinator",
	Long: `Run the fleet coordinator: the node command bus, heartbeat and
inference watchdogs, recovery and drain orchestrators, the credit
ledger, and the HTTP admin surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("fleetd")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		notifier := notify.NewAdminNotifier(cfg.WebhookURL)

		links := bus.NewRegistry()
		cmdBus := bus.NewBus(links, cfg.CommandTimeout())
		engine := placement.NewEngine(store)

		recoverer := recovery.NewOrchestrator(store, engine, cmdBus, recovery.NewStoreAssignments(store), notifier, broker)
		drainer := drain.NewOrchestrator(store, engine, drain.NewBusMigrator(cmdBus, store), notifier, broker, cfg.Drain.MaxConcurrentMigrations)

		wd := watchdog.New(store, broker, watchdog.Config{
			Interval:      cfg.WatchdogInterval(),
			DeadThreshold: cfg.DeadThreshold(),
		}, func(nodeID string) {
			if _, err := recoverer.TriggerRecovery(context.Background(), nodeID, types.RecoveryTriggerHeartbeatTimeout); err != nil {
				logger.Error().Err(err).Str("node_id", nodeID).Msg("recovery failed")
			}
		})
		wd.Start()
		defer wd.Stop()

		provider := inference.NewDropletProvider(cfg.Provider.APIBase, cfg.Provider.APIToken)
		infWd := inference.New(store, provider, notifier, nil, inference.Config{
			PollInterval:    cfg.InferencePollInterval(),
			RebootThreshold: cfg.Inference.RebootThreshold,
			FailedTimeout:   cfg.InferenceFailedTimeout(),
			Services:        inference.DefaultServices,
		})
		infWd.Start()
		defer infWd.Stop()

		ledgerSvc := ledger.NewService(store, broker)
		gate := billing.NewGate(store, broker, billing.Config{
			GracePeriod:        cfg.GracePeriod(),
			RuntimeCentsPerDay: cfg.Billing.RuntimeCentsPerDay,
			TierCosts:          billing.DefaultTierCosts,
		})

		tokens := registry.NewTokenService(store)
		var registrar *registry.Registrar
		registrar = registry.NewRegistrar(store, broker, func(nodeID string) {
			// the agent just completed a handshake, so the node is
			// confirmed reachable: finish returning -> active here
			if _, err := registrar.CompleteReturn(nodeID); err != nil {
				logger.Error().Err(err).Str("node_id", nodeID).Msg("return completion failed")
			}
		}, func(eventID string) {
			go func() {
				if _, err := recoverer.RetryWaiting(context.Background(), eventID); err != nil {
					logger.Error().Err(err).Str("event_id", eventID).Msg("waiting retry failed")
				}
			}()
		})

		linkHandler := bus.NewLinkHandler(links, cmdBus, store, wd)
		apiServer := api.NewServer(store, ledgerSvc, gate, tokens, registrar, drainer, recoverer, broker, linkHandler)

		collector := metrics.NewCollector(store, cmdBus, links)
		collector.Start()
		defer collector.Stop()

		stopCrons := make(chan struct{})
		defer close(stopCrons)
		go runCrons(store, gate, ledgerSvc, tokens, recoverer, stopCrons)
		go watchReactivation(broker, gate)

		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start(cfg.ListenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	},
}

// runCrons drives the periodic maintenance jobs: the daily runtime
// billing pass (idempotent per day via its reference IDs), the
// registration-token purge, and the waiting-tenant expiry sweep.
func runCrons(store storage.Store, gate *billing.Gate, ledgerSvc *ledger.Service, tokens *registry.TokenService, recoverer *recovery.Orchestrator, stopCh chan struct{}) {
	logger := log.WithComponent("cron")

	billingTicker := time.NewTicker(time.Hour)
	defer billingTicker.Stop()
	purgeTicker := time.NewTicker(10 * time.Minute)
	defer purgeTicker.Stop()

	lastBilled := ""
	for {
		select {
		case now := <-billingTicker.C:
			day := now.UTC().Format("2006-01-02")
			if day == lastBilled {
				continue
			}
			report, err := gate.RunDailyBilling(ledgerSvc, now)
			if err != nil {
				logger.Error().Err(err).Msg("daily billing failed")
				continue
			}
			lastBilled = day
			logger.Info().
				Int("charged", len(report.TenantsCharged)).
				Int("suspended", len(report.TenantsSuspended)).
				Int("destroyed", len(report.BotsDestroyed)).
				Msg("daily billing complete")

			open, err := store.ListOpenRecoveryEvents()
			if err != nil {
				logger.Error().Err(err).Msg("open recovery event lookup failed")
				continue
			}
			for _, event := range open {
				if _, err := recoverer.ExpireWaiting(event.ID, recovery.DefaultWaitingTTL, now); err != nil {
					logger.Error().Err(err).Str("event_id", event.ID).Msg("waiting expiry failed")
				}
			}
		case <-purgeTicker.C:
			purged, err := tokens.PurgeExpired()
			if err != nil {
				logger.Error().Err(err).Msg("token purge failed")
				continue
			}
			if purged > 0 {
				logger.Debug().Int("purged", purged).Msg("expired tokens removed")
			}
		case <-stopCh:
			return
		}
	}
}

// watchReactivation flips suspended bots back on when a tenant's balance
// goes positive again.
func watchReactivation(broker *events.Broker, gate *billing.Gate) {
	logger := log.WithComponent("billing")
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		if event.Type != events.EventCreditAppended {
			continue
		}
		amount, err := strconv.ParseInt(event.Metadata["amount"], 10, 64)
		if err != nil || amount <= 0 {
			continue
		}
		tenantID := event.Metadata["tenant_id"]
		reactivated, err := gate.CheckReactivation(tenantID)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tenantID).Msg("reactivation check failed")
			continue
		}
		if len(reactivated) > 0 {
			logger.Info().Str("tenant_id", tenantID).Int("bots", len(reactivated)).Msg("bots reactivated")
		}
	}
}

func init() {
	serveCmd.Flags().String("config", "", "Path to fleetd.yaml")
	serveCmd.Flags().String("listen-addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}
