package api

import (
	"errors"
	"net/http"

	"github.com/wopr-network/wopr-fleet/pkg/registry"
)

type registerNodeRequest struct {
	NodeID       string `json:"node_id"`
	Host         string `json:"host"`
	CapacityMb   int    `json:"capacity_mb"`
	AgentVersion string `json:"agent_version"`

	// Token claims the node for the token's owner and mints its secret.
	Token string `json:"token,omitempty"`

	// Self-hosted nodes bring their own identity and secret hash.
	OwnerUserID    string `json:"owner_user_id,omitempty"`
	Label          string `json:"label,omitempty"`
	NodeSecretHash string `json:"node_secret_hash,omitempty"`
}

type registerNodeResponse struct {
	Node nodeJSON `json:"node"`
	// NodeSecret is returned exactly once, on token registration.
	NodeSecret string `json:"node_secret,omitempty"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "node_id and host are required")
		return
	}

	regReq := registry.RegisterRequest{
		NodeID:       req.NodeID,
		Host:         req.Host,
		CapacityMb:   req.CapacityMb,
		AgentVersion: req.AgentVersion,
	}

	switch {
	case req.Token != "":
		node, secret, err := s.registrar.RegisterWithToken(req.Token, s.tokens, regReq)
		if errors.Is(err, registry.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "registration token invalid")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, registerNodeResponse{Node: renderNode(node), NodeSecret: secret})
	case req.NodeSecretHash != "":
		node, err := s.registrar.RegisterSelfHosted(regReq, req.OwnerUserID, req.Label, req.NodeSecretHash)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, registerNodeResponse{Node: renderNode(node)})
	default:
		node, err := s.registrar.Register(regReq)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, registerNodeResponse{Node: renderNode(node)})
	}
}
