package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wopr-network/wopr-fleet/pkg/billing"
	"github.com/wopr-network/wopr-fleet/pkg/drain"
	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/ledger"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/metrics"
	"github.com/wopr-network/wopr-fleet/pkg/recovery"
	"github.com/wopr-network/wopr-fleet/pkg/registry"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// Drainer migrates every workload off a node. Satisfied by
// *drain.Orchestrator.
type Drainer interface {
	Drain(ctx context.Context, nodeID string) (*drain.Report, error)
}

// Recoverer rehydrates a dead node's tenants and retries parked ones.
// Satisfied by *recovery.Orchestrator.
type Recoverer interface {
	TriggerRecovery(ctx context.Context, nodeID string, trigger types.RecoveryTrigger) (*recovery.Report, error)
	RetryWaiting(ctx context.Context, eventID string) (*recovery.Report, error)
}

// Server is the coordinator's HTTP surface: admin credit endpoints, node
// administration, the agent WebSocket mount, and /metrics.
type Server struct {
	store     storage.Store
	ledger    *ledger.Service
	gate      *billing.Gate
	tokens    *registry.TokenService
	registrar *registry.Registrar
	drainer   Drainer
	recoverer Recoverer
	broker    *events.Broker
	links     http.Handler

	httpServer *http.Server
}

func NewServer(store storage.Store, ledgerSvc *ledger.Service, gate *billing.Gate, tokens *registry.TokenService, registrar *registry.Registrar, drainer Drainer, recoverer Recoverer, broker *events.Broker, links http.Handler) *Server {
	return &Server{
		store:     store,
		ledger:    ledgerSvc,
		gate:      gate,
		tokens:    tokens,
		registrar: registrar,
		drainer:   drainer,
		recoverer: recoverer,
		broker:    broker,
		links:     links,
	}
}

// Router builds the chi mux. Exposed separately from Start for tests.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	if s.links != nil {
		r.Handle("/internal/nodes/{nodeId}/ws", s.links)
	}
	r.Post("/internal/nodes/register", s.handleRegisterNode)

	r.Route("/admin", func(r chi.Router) {
		r.Route("/credits/{tenantId}", func(r chi.Router) {
			r.Post("/grant", s.handleGrant)
			r.Post("/refund", s.handleRefund)
			r.Post("/correction", s.handleCorrection)
			r.Get("/balance", s.handleBalance)
			r.Get("/transactions", s.handleTransactions)
			r.Get("/adjustments", s.handleTransactions)
		})

		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{nodeId}", s.handleGetNode)
		r.Get("/nodes/{nodeId}/transitions", s.handleListTransitions)
		r.Post("/nodes/{nodeId}/drain", s.handleDrain)
		r.Post("/nodes/{nodeId}/recover", s.handleRecover)

		r.Get("/recoveries", s.handleListRecoveries)
		r.Get("/recoveries/{eventId}/items", s.handleListRecoveryItems)
		r.Post("/recoveries/{eventId}/retry", s.handleRetry)

		r.Get("/tenants/{tenantId}/status", s.handleGetTenantStatus)
		r.Put("/tenants/{tenantId}/status", s.handlePutTenantStatus)
		r.Post("/tenants/{tenantId}/suspend", s.handleSuspendTenant)
		r.Post("/tenants/{tenantId}/reactivate", s.handleReactivateTenant)
		r.Put("/bots/{botId}/tier", s.handleSetStorageTier)
		r.Get("/tenants/{tenantId}/snapshots", s.handleListSnapshots)
		r.Delete("/snapshots/{snapshotId}", s.handleDeleteSnapshot)

		r.Post("/tokens", s.handleCreateToken)
		r.Get("/tokens", s.handleListTokens)

		r.Get("/events", s.handleEventStream)
	})

	return r
}

// Start serves the router until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
