package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-fleet/pkg/events"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/nodestate"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

const (
	ReasonFirstRegistration = "first_registration"
	ReasonReRegistration    = "re_registration"
)

// ErrInvalidToken rejects a token-based registration whose token is
// unknown, spent, or expired.
var ErrInvalidToken = errors.New("registration token invalid")

// RegisterRequest is the agent-supplied registration payload.
type RegisterRequest struct {
	NodeID       string
	Host         string
	CapacityMb   int
	AgentVersion string
}

// Registrar handles the node registration handshake. Callbacks let the
// scheduler react to returning nodes and to recovery events with waiting
// tenants without coupling this package to the orchestrators.
type Registrar struct {
	store          storage.Store
	broker         *events.Broker
	onReturning    func(nodeID string)
	onRetryWaiting func(eventID string)
}

func NewRegistrar(store storage.Store, broker *events.Broker, onReturning func(nodeID string), onRetryWaiting func(eventID string)) *Registrar {
	if onReturning == nil {
		onReturning = func(string) {}
	}
	if onRetryWaiting == nil {
		onRetryWaiting = func(string) {}
	}
	return &Registrar{
		store:          store,
		broker:         broker,
		onReturning:    onReturning,
		onRetryWaiting: onRetryWaiting,
	}
}

// Register upserts a node from an agent handshake. Unknown nodes are
// inserted and activated; known nodes in a down state are moved toward
// service via the returning path; healthy nodes get a metadata refresh.
func (r *Registrar) Register(req RegisterRequest) (*types.Node, error) {
	logger := log.WithNodeID(req.NodeID)

	node, err := r.store.GetNode(req.NodeID)
	if errors.Is(err, nodestate.ErrNodeNotFound) {
		node = &types.Node{
			ID:           req.NodeID,
			Host:         req.Host,
			CapacityMb:   req.CapacityMb,
			Status:       types.NodeStatusProvisioning,
			AgentVersion: req.AgentVersion,
			CreatedAt:    time.Now(),
		}
		if err := r.store.CreateNode(node); err != nil {
			return nil, err
		}
		updated, err := r.store.TransitionNode(req.NodeID, types.NodeStatusProvisioning, types.NodeStatusActive, ReasonFirstRegistration, "registrar")
		if err != nil {
			return nil, err
		}
		logger.Info().Str("host", req.Host).Msg("node registered")
		r.broker.Publish(&events.Event{
			Type:     events.EventNodeRegistered,
			Metadata: map[string]string{"node_id": req.NodeID},
		})
		r.notifyWaiting()
		return updated, nil
	}
	if err != nil {
		return nil, err
	}

	node.Host = req.Host
	node.CapacityMb = req.CapacityMb
	node.AgentVersion = req.AgentVersion
	if err := r.store.UpdateNodeMeta(node); err != nil {
		return nil, err
	}

	switch node.Status {
	case types.NodeStatusOffline, types.NodeStatusRecovering, types.NodeStatusFailed:
		updated, err := r.returnToService(node)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("from", string(node.Status)).Msg("node re-registered")
		r.onReturning(req.NodeID)
		r.notifyWaiting()
		return updated, nil
	default:
		// healthy node reconnecting: metadata refresh only
		r.notifyWaiting()
		return r.store.GetNode(req.NodeID)
	}
}

// returnToService walks a down node back toward active through legal
// edges: offline goes through returning, recovering must reach offline
// first, and failed re-enters directly as active.
func (r *Registrar) returnToService(node *types.Node) (*types.Node, error) {
	switch node.Status {
	case types.NodeStatusOffline:
		return r.store.TransitionNode(node.ID, types.NodeStatusOffline, types.NodeStatusReturning, ReasonReRegistration, "registrar")
	case types.NodeStatusRecovering:
		if _, err := r.store.TransitionNode(node.ID, types.NodeStatusRecovering, types.NodeStatusOffline, ReasonReRegistration, "registrar"); err != nil {
			return nil, err
		}
		return r.store.TransitionNode(node.ID, types.NodeStatusOffline, types.NodeStatusReturning, ReasonReRegistration, "registrar")
	case types.NodeStatusFailed:
		return r.store.TransitionNode(node.ID, types.NodeStatusFailed, types.NodeStatusActive, ReasonReRegistration, "registrar")
	default:
		return nil, fmt.Errorf("node %s not in a down state", node.ID)
	}
}

// CompleteReturn finishes the returning path once the agent is confirmed
// healthy.
func (r *Registrar) CompleteReturn(nodeID string) (*types.Node, error) {
	return r.store.TransitionNode(nodeID, types.NodeStatusReturning, types.NodeStatusActive, "return complete", "registrar")
}

// RegisterWithToken spends a single-use token and registers the node under
// the token's owner. A fresh node secret is generated; the cleartext is
// returned exactly once and only its hash is stored.
func (r *Registrar) RegisterWithToken(token string, tokens *TokenService, req RegisterRequest) (*types.Node, string, error) {
	consumed, err := tokens.Consume(token, req.NodeID)
	if err != nil {
		return nil, "", err
	}
	if consumed == nil {
		return nil, "", ErrInvalidToken
	}

	secret := uuid.New().String()
	sum := sha256.Sum256([]byte(secret))

	node, err := r.registerOwned(req, consumed.UserID, consumed.Label, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, "", err
	}
	return node, secret, nil
}

// RegisterSelfHosted inserts a user-owned node with a caller-provided
// secret hash and activates it.
func (r *Registrar) RegisterSelfHosted(req RegisterRequest, ownerUserID, label, nodeSecretHash string) (*types.Node, error) {
	return r.registerOwned(req, ownerUserID, label, nodeSecretHash)
}

func (r *Registrar) registerOwned(req RegisterRequest, ownerUserID, label, nodeSecretHash string) (*types.Node, error) {
	node := &types.Node{
		ID:             req.NodeID,
		Host:           req.Host,
		CapacityMb:     req.CapacityMb,
		Status:         types.NodeStatusProvisioning,
		AgentVersion:   req.AgentVersion,
		OwnerUserID:    ownerUserID,
		Label:          label,
		NodeSecretHash: nodeSecretHash,
		CreatedAt:      time.Now(),
	}
	if err := r.store.CreateNode(node); err != nil {
		return nil, err
	}
	updated, err := r.store.TransitionNode(req.NodeID, types.NodeStatusProvisioning, types.NodeStatusActive, ReasonFirstRegistration, "registrar")
	if err != nil {
		return nil, err
	}
	r.broker.Publish(&events.Event{
		Type:     events.EventNodeRegistered,
		Metadata: map[string]string{"node_id": req.NodeID, "owner": ownerUserID},
	})
	r.notifyWaiting()
	return updated, nil
}

// notifyWaiting fires the retry callback for every recovery event that
// still has waiting tenants. The callback owner decides whether to retry
// now; registration itself never blocks on recovery.
func (r *Registrar) notifyWaiting() {
	open, err := r.store.ListOpenRecoveryEvents()
	if err != nil {
		log.WithComponent("registry").Error().Err(err).Msg("open recovery event lookup failed")
		return
	}
	for _, event := range open {
		r.onRetryWaiting(event.ID)
	}
}
