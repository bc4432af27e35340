package bus

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Link is one node's live connection. Writes are serialized by the link's
// mutex; gorilla/websocket permits only one concurrent writer.
type Link struct {
	NodeID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

// WriteJSON sends one frame on the link.
func (l *Link) WriteJSON(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(v)
}

// Close tears down the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Registry owns the node sockets, one per nodeId. The command bus reads
// from the registry at send time and never holds a link across calls.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*Link
}

func NewRegistry() *Registry {
	return &Registry{links: make(map[string]*Link)}
}

// Attach registers a connection for a node, replacing and closing any
// previous link for the same node.
func (r *Registry) Attach(nodeID string, conn *websocket.Conn) *Link {
	link := &Link{NodeID: nodeID, conn: conn}
	r.mu.Lock()
	prev := r.links[nodeID]
	r.links[nodeID] = link
	r.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return link
}

// Detach removes a link, but only if it is still the registered one: a
// reconnect may already have replaced it.
func (r *Registry) Detach(link *Link) {
	r.mu.Lock()
	if r.links[link.NodeID] == link {
		delete(r.links, link.NodeID)
	}
	r.mu.Unlock()
}

// Get returns the live link for a node, or nil.
func (r *Registry) Get(nodeID string) *Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[nodeID]
}

// Connected reports whether a node currently has a link.
func (r *Registry) Connected(nodeID string) bool {
	return r.Get(nodeID) != nil
}

// ConnectedNodes returns the IDs of all nodes with a live link.
func (r *Registry) ConnectedNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	return ids
}
