package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wopr-network/wopr-fleet/pkg/nodestate"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

type nodeJSON struct {
	ID              string `json:"id"`
	Host            string `json:"host"`
	CapacityMb      int    `json:"capacity_mb"`
	UsedMb          int    `json:"used_mb"`
	Status          string `json:"status"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at,omitempty"`
	AgentVersion    string `json:"agent_version,omitempty"`
	OwnerUserID     string `json:"owner_user_id,omitempty"`
	Label           string `json:"label,omitempty"`
	DropletID       string `json:"droplet_id,omitempty"`
}

func renderNode(node *types.Node) nodeJSON {
	return nodeJSON{
		ID:              node.ID,
		Host:            node.Host,
		CapacityMb:      node.CapacityMb,
		UsedMb:          node.UsedMb,
		Status:          string(node.Status),
		LastHeartbeatAt: node.LastHeartbeatAt,
		AgentVersion:    node.AgentVersion,
		OwnerUserID:     node.OwnerUserID,
		Label:           node.Label,
		DropletID:       node.DropletID,
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]nodeJSON, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, renderNode(node))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.GetNode(chi.URLParam(r, "nodeId"))
	if errors.Is(err, nodestate.ErrNodeNotFound) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, renderNode(node))
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListTransitions(chi.URLParam(r, "nodeId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	report, err := s.drainer.Drain(r.Context(), nodeID)
	if err != nil {
		var invalid *nodestate.InvalidTransitionError
		var concurrent *nodestate.ConcurrentTransitionError
		if errors.As(err, &invalid) || errors.As(err, &concurrent) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, nodestate.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	report, err := s.recoverer.TriggerRecovery(r.Context(), nodeID, types.RecoveryTriggerManual)
	if err != nil {
		if errors.Is(err, nodestate.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListRecoveries(w http.ResponseWriter, _ *http.Request) {
	recoveries, err := s.store.ListRecoveryEvents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, recoveries)
}

func (s *Server) handleListRecoveryItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListRecoveryItems(chi.URLParam(r, "eventId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	report, err := s.recoverer.RetryWaiting(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetTenantStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetTenantStatus(chi.URLParam(r, "tenantId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type putTenantStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handlePutTenantStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	var req putTenantStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	state := types.TenantState(req.Status)
	switch state {
	case types.TenantActive, types.TenantSuspended, types.TenantBanned:
	default:
		writeError(w, http.StatusBadRequest, "unknown tenant status")
		return
	}

	status := &types.TenantStatus{
		TenantID:  tenantID,
		Status:    state,
		UpdatedBy: r.Header.Get(adminUserHeader),
		UpdatedAt: time.Now(),
	}
	if err := s.store.PutTenantStatus(status); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	suspended, err := s.gate.SuspendAllForTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suspended": suspended})
}

func (s *Server) handleReactivateTenant(w http.ResponseWriter, r *http.Request) {
	reactivated, err := s.gate.CheckReactivation(chi.URLParam(r, "tenantId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reactivated": reactivated})
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) handleSetStorageTier(w http.ResponseWriter, r *http.Request) {
	var req setTierRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.gate.SetStorageTier(chi.URLParam(r, "botId"), req.Tier); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tier": req.Tier})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(chi.URLParam(r, "tenantId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDeleteSnapshot(chi.URLParam(r, "snapshotId"), time.Now()); err != nil {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createTokenRequest struct {
	UserID string `json:"user_id"`
	Label  string `json:"label,omitempty"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	token, err := s.tokens.Create(req.UserID, req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      token.ID,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	active, err := s.tokens.ListActive(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// handleEventStream pushes broker events as newline-delimited JSON until
// the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			// keep intermediaries from closing an idle stream
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
