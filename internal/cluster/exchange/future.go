// Package exchange coordinates topology-change rounds: each membership
// change (or forced retrigger) produces an ExchangeFuture that carries the
// new topology version and drives a rebalance round.
package exchange

import (
	"fmt"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

// EventKind classifies the discovery event behind an exchange.
type EventKind int

const (
	// NodeJoined means a new node entered the cluster.
	NodeJoined EventKind = iota
	// NodeLeft means a node departed or failed.
	NodeLeft
	// Forced means the exchange was re-triggered without a membership
	// change (missed partitions or an explicit preload request).
	Forced
)

func (k EventKind) String() string {
	switch k {
	case NodeJoined:
		return "NODE_JOINED"
	case NodeLeft:
		return "NODE_LEFT"
	case Forced:
		return "FORCED"
	default:
		return "UNKNOWN"
	}
}

// DiscoveryEvent is the membership change that triggered an exchange.
type DiscoveryEvent struct {
	Kind      EventKind
	Node      *cluster.Node
	Timestamp time.Time
}

// Future represents one exchange round. It completes once the topology
// version, affinity snapshot and partition states for the round are
// installed.
type Future struct {
	id     uint64
	topVer cluster.TopologyVersion
	evt    DiscoveryEvent

	// dummy marks an exchange that reuses the previous membership, only
	// re-running assignment.
	dummy bool
	// reassign marks a dummy exchange triggered by missed partitions.
	reassign bool
	// forcePreload marks an explicitly requested preload round.
	forcePreload bool

	done chan struct{}
}

func newFuture(id uint64, ver cluster.TopologyVersion, evt DiscoveryEvent) *Future {
	return &Future{id: id, topVer: ver, evt: evt, done: make(chan struct{})}
}

// ID returns the exchange sequence number.
func (f *Future) ID() uint64 { return f.id }

// TopologyVersion returns the version this exchange installs.
func (f *Future) TopologyVersion() cluster.TopologyVersion { return f.topVer }

// Event returns the discovery event behind this exchange.
func (f *Future) Event() DiscoveryEvent { return f.evt }

// Dummy reports whether this exchange reused the previous membership.
func (f *Future) Dummy() bool { return f.dummy }

// Reassign reports whether this exchange re-requests missed partitions.
func (f *Future) Reassign() bool { return f.reassign }

// ForcePreload reports whether this exchange was requested explicitly.
func (f *Future) ForcePreload() bool { return f.forcePreload }

// Done is closed once the exchange round is installed.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) markDone() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *Future) String() string {
	return fmt.Sprintf("ExchangeFuture[id=%d, ver=%s, evt=%s, dummy=%t]",
		f.id, f.topVer, f.evt.Kind, f.dummy)
}
