package rebalance

import (
	"sync"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/exchange"
)

// Assignment maps supplier nodes to the demand messages a rebalance round
// will send them. It is computed once per exchange and then drained
// concurrently by the demand workers: Claim hands each per-node demand to
// exactly one worker.
type Assignment struct {
	fut    *exchange.Future
	topVer cluster.TopologyVersion

	mu    sync.Mutex
	nodes []*cluster.Node
	msgs  map[cluster.NodeID]*DemandMessage
}

// NewAssignment creates an empty assignment for an exchange.
func NewAssignment(fut *exchange.Future, topVer cluster.TopologyVersion) *Assignment {
	return &Assignment{
		fut:    fut,
		topVer: topVer,
		msgs:   make(map[cluster.NodeID]*DemandMessage),
	}
}

// ExchangeFuture returns the exchange the assignment was computed for.
func (a *Assignment) ExchangeFuture() *exchange.Future { return a.fut }

// TopologyVersion returns the version the assignment was computed against.
func (a *Assignment) TopologyVersion() cluster.TopologyVersion { return a.topVer }

// Put registers the demand message for a supplier node.
func (a *Assignment) Put(node *cluster.Node, msg *DemandMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.msgs[node.ID]; !ok {
		a.nodes = append(a.nodes, node)
	}
	a.msgs[node.ID] = msg
}

// Get returns the demand message currently registered for a node, or nil.
func (a *Assignment) Get(id cluster.NodeID) *DemandMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgs[id]
}

// Claim removes and returns the demand message for a node. It returns nil
// when another worker already claimed it.
func (a *Assignment) Claim(id cluster.NodeID) *DemandMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := a.msgs[id]
	delete(a.msgs, id)
	return msg
}

// Nodes returns the supplier nodes of the assignment in insertion order.
func (a *Assignment) Nodes() []*cluster.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*cluster.Node, len(a.nodes))
	copy(out, a.nodes)
	return out
}

// Empty reports whether the assignment has no demands left.
func (a *Assignment) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs) == 0
}

// PartitionCount returns the total number of partitions still assigned.
func (a *Assignment) PartitionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, m := range a.msgs {
		n += len(m.Parts)
	}
	return n
}
