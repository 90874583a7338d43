package exchange

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/affinity"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
	"github.com/akuznetsov-gridgain/ignite/internal/metrics"
)

const defaultResendDebounce = 100 * time.Millisecond

// Config configures the exchange manager.
type Config struct {
	// ResendDebounce coalesces partition-map resend requests
	// (default: 100ms).
	ResendDebounce time.Duration
}

// Listener is notified after an exchange round is installed. The demander
// registers one to compute and enqueue assignments.
type Listener func(*Future)

// Manager serializes topology changes into exchange rounds. One worker
// goroutine consumes queued discovery events, installs the new topology
// version, affinity snapshot and partition states, then notifies
// listeners.
type Manager struct {
	local *cluster.Node
	reg   *cluster.Registry
	aff   *affinity.Function
	top   *topology.Topology
	cfg   Config

	queue   chan *Future
	pending atomic.Int32
	futSeq  atomic.Uint64

	mu        sync.Mutex
	lastFut   *Future
	lastVer   cluster.TopologyVersion
	listeners []Listener
	// evict is called for partitions that left the local assignment.
	evict func(part int)
	// resend broadcasts the local partition map to peers.
	resend func()

	resendCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates an exchange manager. Start must be called before any
// membership event is reported.
func NewManager(local *cluster.Node, reg *cluster.Registry, aff *affinity.Function,
	top *topology.Topology, cfg Config) *Manager {

	if cfg.ResendDebounce <= 0 {
		cfg.ResendDebounce = defaultResendDebounce
	}
	return &Manager{
		local:    local,
		reg:      reg,
		aff:      aff,
		top:      top,
		cfg:      cfg,
		queue:    make(chan *Future, 64),
		resendCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Listen registers an exchange listener. Must be called before Start.
func (m *Manager) Listen(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// SetEvictFunc installs the callback clearing partitions that left the
// local assignment.
func (m *Manager) SetEvictFunc(fn func(part int)) {
	m.mu.Lock()
	m.evict = fn
	m.mu.Unlock()
}

// SetResendFunc installs the partition-map broadcast callback.
func (m *Manager) SetResendFunc(fn func()) {
	m.mu.Lock()
	m.resend = fn
	m.mu.Unlock()
}

// Start launches the exchange and resend workers.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.exchangeLoop()
	go m.resendLoop()
}

// Stop terminates the workers. Queued exchanges are discarded.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// OnNodeJoined reports a new member. The registry must already contain it.
func (m *Manager) OnNodeJoined(n *cluster.Node) {
	m.enqueueEvent(DiscoveryEvent{Kind: NodeJoined, Node: n, Timestamp: time.Now()}, false, false, false)
}

// OnNodeLeft reports a departed member. The registry must no longer
// contain it.
func (m *Manager) OnNodeLeft(n *cluster.Node) {
	m.top.RemoveNode(n.ID)
	m.enqueueEvent(DiscoveryEvent{Kind: NodeLeft, Node: n, Timestamp: time.Now()}, false, false, false)
}

// ForcePreloadExchange re-triggers a full rebalance round for the current
// membership.
func (m *Manager) ForcePreloadExchange(prev *Future) {
	var evt DiscoveryEvent
	if prev != nil {
		evt = prev.Event()
	}
	evt.Kind = Forced
	m.enqueueEvent(evt, true, false, true)
}

// ForceDummyExchange re-runs assignment without a membership change,
// typically because partitions were missed and must be re-requested.
func (m *Manager) ForceDummyExchange(reassign bool, prev *Future) {
	var evt DiscoveryEvent
	if prev != nil {
		evt = prev.Event()
	}
	evt.Kind = Forced
	m.enqueueEvent(evt, true, reassign, false)
}

// CurrentExchangeFuture returns the most recently installed exchange.
func (m *Manager) CurrentExchangeFuture() *Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFut
}

// TopologyChanged reports whether an exchange newer than the installed one
// is pending. In-flight demand rounds check this to invalidate themselves.
func (m *Manager) TopologyChanged() bool {
	return m.pending.Load() > 0
}

// HasPendingExchange reports whether exchanges are queued. Assignment
// computation aborts early when true, since the result would be stale.
func (m *Manager) HasPendingExchange() bool {
	return m.pending.Load() > 0
}

// ScheduleResendPartitions requests a debounced partition-map broadcast.
func (m *Manager) ScheduleResendPartitions() {
	select {
	case m.resendCh <- struct{}{}:
	default:
	}
}

func (m *Manager) enqueueEvent(evt DiscoveryEvent, dummy, reassign, forcePreload bool) {
	m.mu.Lock()
	ver := m.lastVer
	if dummy {
		ver.Minor++
	} else {
		ver.Major++
		ver.Minor = 0
	}
	m.lastVer = ver
	m.mu.Unlock()

	fut := newFuture(m.futSeq.Add(1), ver, evt)
	fut.dummy = dummy
	fut.reassign = reassign
	fut.forcePreload = forcePreload

	m.pending.Add(1)
	select {
	case m.queue <- fut:
	case <-m.stopCh:
		m.pending.Add(-1)
	}
}

func (m *Manager) exchangeLoop() {
	defer m.wg.Done()

	for {
		select {
		case fut := <-m.queue:
			m.processExchange(fut)
			m.pending.Add(-1)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) processExchange(fut *Future) {
	ver := fut.TopologyVersion()
	members := m.reg.Nodes()

	log.Printf("exchange: processing %s with %d members", fut, len(members))

	m.aff.UpdateSnapshot(ver, members)
	m.top.SetVersion(ver)

	if !fut.Dummy() {
		m.applyAssignment(ver)
	}

	m.mu.Lock()
	m.lastFut = fut
	listeners := m.listeners
	m.mu.Unlock()

	fut.markDone()

	for _, l := range listeners {
		l(fut)
	}
}

// applyAssignment walks all partitions and moves local partition states
// toward the new ideal assignment: newly local partitions enter MOVING,
// partitions that left the local assignment are rented out and cleared.
func (m *Manager) applyAssignment(ver cluster.TopologyVersion) {
	m.mu.Lock()
	evict := m.evict
	m.mu.Unlock()

	moving := 0
	for p := 0; p < m.aff.Partitions(); p++ {
		if m.aff.LocalNode(p, ver) {
			part := m.top.Partition(p)
			if part != nil && part.State() == topology.Owning {
				continue
			}
			m.top.MarkMoving(p)
			moving++
		} else {
			part := m.top.Partition(p)
			if part == nil {
				continue
			}
			switch part.State() {
			case topology.Owning, topology.Moving:
				m.top.MarkRenting(p)
				if evict != nil {
					evict(p)
				}
			case topology.Renting:
				// A reservation blocked the previous evict; retry.
				if evict != nil {
					evict(p)
				}
			}
		}
	}
	metrics.MovingPartitions.Set(float64(moving))
}

func (m *Manager) resendLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.resendCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(m.cfg.ResendDebounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			m.mu.Lock()
			resend := m.resend
			m.mu.Unlock()
			if resend != nil {
				resend()
			}

		case <-m.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
