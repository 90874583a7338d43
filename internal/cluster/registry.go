package cluster

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Registry is the thread-safe set of known alive nodes, iterable in join
// order. Discovery is the only writer; affinity, exchange and rebalancing
// read snapshots.
type Registry struct {
	mu     sync.RWMutex
	byID   map[NodeID]*Node
	sorted *treemap.Map // join order -> *Node
}

func orderComparator(a, b interface{}) int {
	x, y := a.(uint64), b.(uint64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[NodeID]*Node),
		sorted: treemap.NewWith(orderComparator),
	}
}

// Add inserts or replaces a node. Replacement keeps the original join order
// if one was already recorded for the id.
func (r *Registry) Add(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[n.ID]; ok {
		n.Order = old.Order
		r.sorted.Remove(old.Order)
	}
	r.byID[n.ID] = n
	r.sorted.Put(n.Order, n)
}

// Remove deletes a node by id. Returns the removed node, or nil.
func (r *Registry) Remove(id NodeID) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	r.sorted.Remove(n.Order)
	return n
}

// Get returns the node with the given id, or nil.
func (r *Registry) Get(id NodeID) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Contains reports whether the id is registered.
func (r *Registry) Contains(id NodeID) bool {
	return r.Get(id) != nil
}

// Size returns the number of registered nodes.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Nodes returns all nodes in ascending join order.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0, r.sorted.Size())
	it := r.sorted.Iterator()
	for it.Next() {
		nodes = append(nodes, it.Value().(*Node))
	}
	return nodes
}

// MaxOrder returns the highest join order currently registered, or 0.
func (r *Registry) MaxOrder() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if k, _ := r.sorted.Max(); k != nil {
		return k.(uint64)
	}
	return 0
}
