package transport

import (
	"sync"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// LocalHub wires in-process transports together for protocol tests. Frames
// still round-trip through the CBOR codec so wire tags are exercised.
type LocalHub struct {
	reg *Registry

	mu    sync.RWMutex
	nodes map[cluster.NodeID]*Local

	// Filter, if set, is consulted before delivery; returning false drops
	// the frame. Used to inject send failures.
	Filter func(to cluster.NodeID, topic Topic, msg any) bool
}

// NewLocalHub creates a hub over a shared message registry.
func NewLocalHub(reg *Registry) *LocalHub {
	return &LocalHub{reg: reg, nodes: make(map[cluster.NodeID]*Local)}
}

// Transport returns (creating if needed) the transport for a node id.
func (h *LocalHub) Transport(id cluster.NodeID) *Local {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.nodes[id]; ok {
		return t
	}
	t := &Local{self: id, hub: h, disp: newDispatcher()}
	h.nodes[id] = t
	return t
}

// Disconnect removes a node from the hub; subsequent sends to it fail with
// ErrNodeLeft.
func (h *LocalHub) Disconnect(id cluster.NodeID) {
	h.mu.Lock()
	t, ok := h.nodes[id]
	delete(h.nodes, id)
	h.mu.Unlock()
	if ok {
		t.disp.close()
	}
}

// Local is an in-process Transport bound to a hub.
type Local struct {
	self cluster.NodeID
	hub  *LocalHub
	disp *dispatcher
}

// SendOrdered implements Transport.
func (l *Local) SendOrdered(node *cluster.Node, topic Topic, msg any, timeout time.Duration) error {
	data, err := encodeFrame(l.hub.reg, l.self, topic, msg)
	if err != nil {
		return err
	}

	l.hub.mu.RLock()
	target, ok := l.hub.nodes[node.ID]
	filter := l.hub.Filter
	l.hub.mu.RUnlock()

	if !ok {
		return gerrors.ErrNodeLeft
	}

	from, tpc, decoded, err := decodeFrame(l.hub.reg, data)
	if err != nil {
		return err
	}
	if filter != nil && !filter(node.ID, tpc, decoded) {
		return nil // silently dropped, like a lost datagram
	}
	target.disp.deliver(tpc, from, decoded)
	return nil
}

// AddOrderedHandler implements Transport.
func (l *Local) AddOrderedHandler(topic Topic, h Handler) {
	l.disp.add(topic, h)
}

// RemoveOrderedHandler implements Transport.
func (l *Local) RemoveOrderedHandler(topic Topic) {
	l.disp.remove(topic)
}

// Close implements Transport.
func (l *Local) Close() error {
	l.hub.Disconnect(l.self)
	return nil
}
