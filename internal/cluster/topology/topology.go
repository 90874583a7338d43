package topology

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// Topology is the per-cache partition map: local partition objects plus the
// set of nodes confirmed to hold each partition's data at the current
// topology version. Owner information arrives from discovery broadcasts
// and from local OWNING transitions.
type Topology struct {
	local cluster.NodeID

	mu     sync.RWMutex
	ver    cluster.TopologyVersion
	parts  map[int]*Partition
	owners map[int]map[cluster.NodeID]struct{}

	updateSeq atomic.Int64
}

// New creates an empty topology for the local node.
func New(local cluster.NodeID) *Topology {
	return &Topology{
		local:  local,
		parts:  make(map[int]*Partition),
		owners: make(map[int]map[cluster.NodeID]struct{}),
	}
}

// Version returns the current topology version.
func (t *Topology) Version() cluster.TopologyVersion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ver
}

// SetVersion advances the topology version. Called by the exchange
// coordinator while processing a membership change.
func (t *Topology) SetVersion(ver cluster.TopologyVersion) {
	t.mu.Lock()
	t.ver = ver
	t.mu.Unlock()
	t.updateSeq.Add(1)
}

// UpdateSequence returns the monotonic counter bumped on every ownership
// mutation. Demand messages carry it so a supplier can spot stale demands.
func (t *Topology) UpdateSequence() int64 {
	return t.updateSeq.Load()
}

// LocalPartition returns the local partition object for the id at the given
// topology version, optionally creating it in MOVING state.
func (t *Topology) LocalPartition(p int, ver cluster.TopologyVersion, create bool) (*Partition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ver.Equal(ver) {
		return nil, gerrors.ErrTopologyChanged
	}
	part, ok := t.parts[p]
	if !ok {
		if !create {
			return nil, gerrors.ErrInvalidPartition
		}
		part = newPartition(p)
		t.parts[p] = part
	}
	return part, nil
}

// Partition returns the local partition object regardless of version, or
// nil if the partition was never created locally.
func (t *Topology) Partition(p int) *Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.parts[p]
}

// Owners returns the ids of nodes confirmed to own the partition's data at
// the given topology version. Returns nil on version mismatch.
func (t *Topology) Owners(p int, ver cluster.TopologyVersion) []cluster.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.ver.Equal(ver) {
		return nil
	}
	ids := make([]cluster.NodeID, 0, len(t.owners[p]))
	for id := range t.owners[p] {
		ids = append(ids, id)
	}
	return ids
}

// Own transitions a MOVING partition to OWNING and records the local node
// as a confirmed owner. Returns false if the partition already left MOVING,
// so the transition happens at most once per topology version.
func (t *Topology) Own(part *Partition) bool {
	if !part.markOwning() {
		return false
	}
	t.mu.Lock()
	t.addOwnerLocked(part.id, t.local)
	t.mu.Unlock()
	t.updateSeq.Add(1)
	return true
}

// OwnsLocally reports whether the local partition is in OWNING state.
func (t *Topology) OwnsLocally(p int) bool {
	part := t.Partition(p)
	return part != nil && part.State() == Owning
}

// SetNodeOwned replaces the remote node's confirmed ownership with the
// given partition set. Driven by discovery partition-map broadcasts.
func (t *Topology) SetNodeOwned(id cluster.NodeID, parts []int) {
	t.mu.Lock()
	for p, set := range t.owners {
		delete(set, id)
		if len(set) == 0 {
			delete(t.owners, p)
		}
	}
	for _, p := range parts {
		t.addOwnerLocked(p, id)
	}
	t.mu.Unlock()
	t.updateSeq.Add(1)
}

// RemoveNode drops a departed node from all owner sets.
func (t *Topology) RemoveNode(id cluster.NodeID) {
	t.mu.Lock()
	for p, set := range t.owners {
		delete(set, id)
		if len(set) == 0 {
			delete(t.owners, p)
		}
	}
	t.mu.Unlock()
	t.updateSeq.Add(1)
}

// MarkMoving (re-)creates the local partition in MOVING state for a new
// exchange round.
func (t *Topology) MarkMoving(p int) *Partition {
	t.mu.Lock()
	part, ok := t.parts[p]
	if !ok {
		part = newPartition(p)
		t.parts[p] = part
	} else {
		part.markMoving()
	}
	t.mu.Unlock()
	return part
}

// MarkRenting flags a partition that is no longer assigned locally. The
// local node also stops advertising it as an owner.
func (t *Topology) MarkRenting(p int) {
	t.mu.Lock()
	part, ok := t.parts[p]
	if ok {
		part.markRenting()
		if set := t.owners[p]; set != nil {
			delete(set, t.local)
			if len(set) == 0 {
				delete(t.owners, p)
			}
		}
	}
	t.mu.Unlock()
	if ok {
		t.updateSeq.Add(1)
	}
}

// LocalOwned returns the sorted-by-id list of partitions the local node
// currently owns. Used for discovery broadcasts and persistence.
func (t *Topology) LocalOwned() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	for p, part := range t.parts {
		if part.State() == Owning {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

// MovingCount returns how many local partitions are still MOVING.
func (t *Topology) MovingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cnt := 0
	for _, part := range t.parts {
		if part.State() == Moving {
			cnt++
		}
	}
	return cnt
}

func (t *Topology) addOwnerLocked(p int, id cluster.NodeID) {
	set := t.owners[p]
	if set == nil {
		set = make(map[cluster.NodeID]struct{})
		t.owners[p] = set
	}
	set[id] = struct{}{}
}
