// Package events records grid lifecycle events for listeners such as
// monitoring and tests. Recording is opt-in per event type.
package events

import (
	"sync"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

// Type enumerates recordable grid events.
type Type int

const (
	// RebalanceStarted fires when a rebalance round begins.
	RebalanceStarted Type = iota + 80
	// RebalanceStopped fires once per pool when a rebalance round ends.
	RebalanceStopped
	// PartitionLoaded fires when a partition finishes loading and becomes
	// OWNING.
	PartitionLoaded
	// PartitionDataLost fires when a partition is owned empty because no
	// remote copy exists.
	PartitionDataLost
	// ObjectLoaded fires per entry installed by rebalancing.
	ObjectLoaded
)

func (t Type) String() string {
	switch t {
	case RebalanceStarted:
		return "REBALANCE_STARTED"
	case RebalanceStopped:
		return "REBALANCE_STOPPED"
	case PartitionLoaded:
		return "PARTITION_LOADED"
	case PartitionDataLost:
		return "PARTITION_DATA_LOST"
	case ObjectLoaded:
		return "OBJECT_LOADED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single recorded occurrence.
type Event struct {
	Type      Type
	Partition int
	Key       string
	Node      cluster.NodeID
	Timestamp time.Time
}

// Listener consumes recorded events. Listeners run on the recording
// goroutine and must be fast.
type Listener func(Event)

// Recorder filters and fans out events.
type Recorder struct {
	mu        sync.RWMutex
	enabled   map[Type]bool
	listeners []Listener
}

// NewRecorder creates a recorder with the given event types enabled.
func NewRecorder(enabled ...Type) *Recorder {
	m := make(map[Type]bool, len(enabled))
	for _, t := range enabled {
		m[t] = true
	}
	return &Recorder{enabled: m}
}

// Recordable reports whether the event type is enabled. Callers check this
// before building an event to avoid the allocation on the hot path.
func (r *Recorder) Recordable(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[t]
}

// Enable turns an event type on.
func (r *Recorder) Enable(t Type) {
	r.mu.Lock()
	r.enabled[t] = true
	r.mu.Unlock()
}

// Listen appends a listener.
func (r *Recorder) Listen(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Record dispatches the event to listeners if its type is enabled.
func (r *Recorder) Record(e Event) {
	r.mu.RLock()
	if !r.enabled[e.Type] {
		r.mu.RUnlock()
		return
	}
	ls := r.listeners
	r.mu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, l := range ls {
		l(e)
	}
}
