// Package topology tracks per-partition local state and the cluster-wide
// map of confirmed partition owners at the current topology version.
package topology

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PartState is the local lifecycle state of a partition.
type PartState int32

const (
	// Moving means the partition is assigned locally but its data is still
	// being pulled from a remote owner.
	Moving PartState = iota
	// Owning means the partition is fully populated and serving.
	Owning
	// Renting means the partition is no longer assigned locally and is
	// waiting to be cleared.
	Renting
	// Evicted means the partition has been cleared and must not accept
	// writes.
	Evicted
)

func (s PartState) String() string {
	switch s {
	case Moving:
		return "MOVING"
	case Owning:
		return "OWNING"
	case Renting:
		return "RENTING"
	case Evicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// Partition is the local view of a single partition. Entries may only be
// written into it while it is reserved and locked, which excludes
// concurrent eviction.
type Partition struct {
	id    int
	state atomic.Int32

	// reservations guards against eviction while the partition is in use.
	reservations atomic.Int32

	// populate serializes bulk loading against eviction of individual
	// entries.
	populate sync.Mutex

	histMu sync.Mutex
	// evicted keys and the version they were last seen at; preloading an
	// equal-or-older version of such a key would resurrect it.
	evictHist map[string]uint64
}

func newPartition(id int) *Partition {
	p := &Partition{id: id, evictHist: make(map[string]uint64)}
	p.state.Store(int32(Moving))
	return p
}

// ID returns the partition id.
func (p *Partition) ID() int { return p.id }

// State returns the current lifecycle state.
func (p *Partition) State() PartState { return PartState(p.state.Load()) }

// Reserve prevents the partition from being evicted until Release is
// called. Fails if the partition is already renting or evicted.
func (p *Partition) Reserve() bool {
	for {
		s := PartState(p.state.Load())
		if s == Renting || s == Evicted {
			return false
		}
		p.reservations.Add(1)
		// Re-check: eviction may have won the race before the increment.
		if PartState(p.state.Load()) == s || PartState(p.state.Load()) == Owning {
			return true
		}
		p.reservations.Add(-1)
	}
}

// Release drops a reservation taken by Reserve.
func (p *Partition) Release() {
	if p.reservations.Add(-1) < 0 {
		panic(fmt.Sprintf("partition %d released without reservation", p.id))
	}
}

// Lock acquires the populate lock. Callers must hold a reservation.
func (p *Partition) Lock() { p.populate.Lock() }

// Unlock releases the populate lock.
func (p *Partition) Unlock() { p.populate.Unlock() }

// PreloadingPermitted reports whether an incoming entry may be preloaded.
// An entry whose key was evicted at an equal or later version must not be
// resurrected by rebalancing.
func (p *Partition) PreloadingPermitted(key string, ver uint64) bool {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	evictedAt, ok := p.evictHist[key]
	return !ok || ver > evictedAt
}

// OnEntryEvicted records an entry eviction so that stale rebalanced copies
// are rejected while the partition is still MOVING.
func (p *Partition) OnEntryEvicted(key string, ver uint64) {
	if p.State() != Moving {
		return
	}
	p.histMu.Lock()
	if old, ok := p.evictHist[key]; !ok || ver > old {
		p.evictHist[key] = ver
	}
	p.histMu.Unlock()
}

// markOwning transitions MOVING -> OWNING. Returns false if the partition
// was not MOVING, making the transition at-most-once.
func (p *Partition) markOwning() bool {
	ok := p.state.CompareAndSwap(int32(Moving), int32(Owning))
	if ok {
		// Eviction history is only meaningful while loading.
		p.histMu.Lock()
		p.evictHist = make(map[string]uint64)
		p.histMu.Unlock()
	}
	return ok
}

// markMoving re-enters MOVING from OWNING or RENTING when the partition is
// reassigned to the local node by a newer exchange.
func (p *Partition) markMoving() {
	for {
		s := p.state.Load()
		if PartState(s) == Moving || p.state.CompareAndSwap(s, int32(Moving)) {
			return
		}
	}
}

// markRenting flags the partition for clearing once idle.
func (p *Partition) markRenting() {
	p.state.Store(int32(Renting))
}

// EvictIfIdle transitions RENTING -> EVICTED if there are no reservations.
func (p *Partition) EvictIfIdle() bool {
	if p.reservations.Load() != 0 {
		return false
	}
	return p.state.CompareAndSwap(int32(Renting), int32(Evicted))
}

func (p *Partition) String() string {
	return fmt.Sprintf("Partition[id=%d, state=%s, reservations=%d]",
		p.id, p.State(), p.reservations.Load())
}
