package bus

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// FrameSink receives the non-command frames read off a node link.
type FrameSink interface {
	HandleHeartbeat(frame *types.HeartbeatFrame)
	HandleHealthEvent(frame *types.HealthEventFrame)
}

// LinkHandler upgrades agent connections at /internal/nodes/{nodeId}/ws,
// authenticates them against the stored secret hash, and runs the per-link
// read loop. Frames are handled one at a time per socket.
type LinkHandler struct {
	registry *Registry
	bus      *Bus
	store    storage.Store
	sink     FrameSink
	upgrader websocket.Upgrader
}

func NewLinkHandler(registry *Registry, bus *Bus, store storage.Store, sink FrameSink) *LinkHandler {
	return &LinkHandler{
		registry: registry,
		bus:      bus,
		store:    store,
		sink:     sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents connect directly, not from browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *LinkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeId")
	if nodeID == "" {
		http.Error(w, "missing node id", http.StatusBadRequest)
		return
	}

	node, err := h.store.GetNode(nodeID)
	if err != nil {
		http.Error(w, "unknown node", http.StatusUnauthorized)
		return
	}
	if !h.authorize(r, node) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithNodeID(nodeID).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	link := h.registry.Attach(nodeID, conn)
	log.WithNodeID(nodeID).Info().Msg("node link established")

	go h.readLoop(link)
}

// authorize hashes the presented bearer secret and compares it to the
// stored hash in constant time.
func (h *LinkHandler) authorize(r *http.Request, node *types.Node) bool {
	if node.NodeSecretHash == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	secret, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || secret == "" {
		return false
	}
	sum := sha256.Sum256([]byte(secret))
	presented := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(node.NodeSecretHash)) == 1
}

func (h *LinkHandler) readLoop(link *Link) {
	defer func() {
		h.registry.Detach(link)
		link.Close()
		log.WithNodeID(link.NodeID).Info().Msg("node link closed")
	}()

	for {
		_, data, err := link.conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(link.NodeID, data)
	}
}

func (h *LinkHandler) dispatch(nodeID string, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.WithNodeID(nodeID).Warn().Err(err).Msg("unparseable frame dropped")
		return
	}

	switch envelope.Type {
	case types.FrameTypeHeartbeat:
		var frame types.HeartbeatFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithNodeID(nodeID).Warn().Err(err).Msg("bad heartbeat frame")
			return
		}
		// the link identity is authoritative, not the frame body
		frame.NodeID = nodeID
		h.sink.HandleHeartbeat(&frame)
	case types.FrameTypeCommandResult:
		var frame types.CommandResultFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithNodeID(nodeID).Warn().Err(err).Msg("bad command result frame")
			return
		}
		h.bus.HandleResult(&frame)
	case types.FrameTypeHealthEvent:
		var frame types.HealthEventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithNodeID(nodeID).Warn().Err(err).Msg("bad health event frame")
			return
		}
		frame.NodeID = nodeID
		h.sink.HandleHealthEvent(&frame)
	default:
		log.WithNodeID(nodeID).Debug().
			Str("frame_type", envelope.Type).
			Msg("unknown frame type dropped")
	}
}
