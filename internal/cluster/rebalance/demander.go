package rebalance

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/affinity"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/exchange"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
	"github.com/akuznetsov-gridgain/ignite/internal/engine"
	"github.com/akuznetsov-gridgain/ignite/internal/events"
	"github.com/akuznetsov-gridgain/ignite/internal/metrics"
	"github.com/akuznetsov-gridgain/ignite/internal/transport"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

const (
	// DefaultPoolSize is the default number of demand workers and wire
	// sub-channels.
	DefaultPoolSize = 2
	// DefaultTimeout bounds one demand/supply exchange with a single node.
	DefaultTimeout = 10 * time.Second

	defaultNetworkTimeout = 500 * time.Millisecond
	defaultPollInterval   = 100 * time.Millisecond
	defaultBatchSize      = 512
)

// Config configures the rebalance demander and supplier of one cache.
type Config struct {
	// CacheID identifies the cache on the wire.
	CacheID int
	// PoolSize is the number of demand workers; it also fixes the number
	// of wire sub-channels (default: 2).
	PoolSize int
	// Timeout bounds one demand/supply exchange with a single supplier
	// (default: 10s).
	Timeout time.Duration
	// NetworkTimeout bounds one assignment-queue poll so a worker can
	// observe cancellation (default: 500ms).
	NetworkTimeout time.Duration
	// PollInterval is how often an in-flight exchange re-checks topology
	// and cancellation (default: 100ms).
	PollInterval time.Duration
	// BatchSize is the supplier-side entry budget per supply message
	// (default: 512).
	BatchSize int
	// Enabled turns rebalancing on. When false, assignments are always
	// empty and partitions stay MOVING until written through.
	Enabled bool
	// PreloadPredicate optionally filters which entries rebalancing may
	// install. Nil admits everything.
	PreloadPredicate func(*engine.Entry) bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       DefaultPoolSize,
		Timeout:        DefaultTimeout,
		NetworkTimeout: defaultNetworkTimeout,
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		Enabled:        true,
	}
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = defaultNetworkTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return cfg
}

// ExchangeCoordinator is the slice of the exchange manager the demander
// depends on.
type ExchangeCoordinator interface {
	CurrentExchangeFuture() *exchange.Future
	TopologyChanged() bool
	HasPendingExchange() bool
	ForcePreloadExchange(prev *exchange.Future)
	ForceDummyExchange(reassign bool, prev *exchange.Future)
	ScheduleResendPartitions()
}

// Demander pulls partition data from remote owners after an exchange. It
// runs a fixed pool of workers; each worker drains its share of the
// per-node demand assignments and drives the demand/supply conversation
// for the nodes it claims.
type Demander struct {
	cfg   Config
	local cluster.NodeID
	reg   *cluster.Registry
	aff   *affinity.Function
	top   *topology.Topology
	exch  ExchangeCoordinator
	store engine.Store
	io    transport.Transport
	evts  *events.Recorder
	touch engine.TouchFunc

	workers []*demandWorker
	barrier *roundBarrier

	// demandLock pauses incoming transfers for the duration of operations
	// that must not observe entries appearing, such as partition clearing.
	demandLock sync.RWMutex

	// budgetBlown latches once the store's space budget is exhausted;
	// further rebalanced entries are dropped.
	budgetBlown atomic.Bool

	mu      sync.Mutex
	syncFut *SyncFuture

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDemander creates a demander. Start launches the worker pool; Stop
// cancels it cooperatively.
func NewDemander(cfg Config, local cluster.NodeID, reg *cluster.Registry,
	aff *affinity.Function, top *topology.Topology, exch ExchangeCoordinator,
	store engine.Store, io transport.Transport, evts *events.Recorder,
	touch engine.TouchFunc) *Demander {

	cfg = cfg.withDefaults()

	d := &Demander{
		cfg:    cfg,
		local:  local,
		reg:    reg,
		aff:    aff,
		top:    top,
		exch:   exch,
		store:  store,
		io:     io,
		evts:   evts,
		touch:  touch,
		stopCh: make(chan struct{}),
	}

	if !cfg.Enabled {
		// A disabled demander completes every sync wait immediately.
		d.syncFut = newSyncFuture(0)
		return d
	}

	d.syncFut = newSyncFuture(cfg.PoolSize)
	d.barrier = newRoundBarrier(cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		d.workers = append(d.workers, &demandWorker{
			id:      i,
			d:       d,
			assignQ: make(chan *Assignment, 64),
		})
	}
	return d
}

// Start launches the demand workers.
func (d *Demander) Start() {
	for _, w := range d.workers {
		d.wg.Add(1)
		go w.run()
	}
}

// Stop cancels the workers and waits for them to exit.
func (d *Demander) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Demander) cancel() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Demander) cancelled() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// SyncFuture returns the future tracking the current rebalance round. It
// is re-armed on every exchange, so callers should grab it right after
// triggering the topology change they want to wait out.
func (d *Demander) SyncFuture() *SyncFuture {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncFut
}

// OnExchange is the exchange listener: it computes the assignment for the
// completed exchange and hands it to every worker.
func (d *Demander) OnExchange(fut *exchange.Future) {
	assigns := d.Assign(fut)
	d.AddAssignments(assigns, fut.Reassign() || fut.ForcePreload())
}

// Assign computes the per-node demand assignment for an exchange. For
// every local MOVING partition it ranks the confirmed remote owners and
// demands the partition from the first candidate. A MOVING partition with
// no remote owner anywhere is owned empty: its data is lost and waiting
// cannot bring it back.
func (d *Demander) Assign(fut *exchange.Future) *Assignment {
	topVer := d.top.Version()
	assigns := NewAssignment(fut, topVer)

	if !d.cfg.Enabled {
		return assigns
	}

	for p := 0; p < d.aff.Partitions(); p++ {
		if d.exch.HasPendingExchange() {
			// A newer exchange supersedes this assignment; it will be
			// recomputed when that exchange completes.
			log.Printf("rebalance: skipping assignment for %s, topology changed", topVer)
			return NewAssignment(fut, topVer)
		}
		if !d.aff.LocalNode(p, topVer) {
			continue
		}
		part, err := d.top.LocalPartition(p, topVer, true)
		if err != nil {
			return NewAssignment(fut, topVer)
		}
		if part.State() != topology.Moving {
			continue
		}

		picked := d.pickedOwners(p, topVer)
		if len(picked) == 0 {
			// No copy of this partition survives anywhere.
			if d.top.Own(part) {
				log.Printf("rebalance: owning partition %d empty, no remote owners at %s", p, topVer)
				if d.evts.Recordable(events.PartitionDataLost) {
					d.evts.Record(events.Event{
						Type:      events.PartitionDataLost,
						Partition: p,
						Node:      d.local,
					})
				}
			}
			continue
		}

		n := picked[0]
		msg := assigns.Get(n.ID)
		if msg == nil {
			msg = &DemandMessage{
				UpdateSeq: d.top.UpdateSequence(),
				TopVer:    topVer,
				TimeoutMs: d.cfg.Timeout.Milliseconds(),
				CacheID:   d.cfg.CacheID,
			}
			assigns.Put(n, msg)
		}
		msg.Parts = append(msg.Parts, p)
	}

	return assigns
}

// pickedOwners ranks the remote nodes confirmed to hold the partition's
// data, most recently joined first, and caps the list at the affinity
// owner count.
func (d *Demander) pickedOwners(p int, topVer cluster.TopologyVersion) []*cluster.Node {
	affCnt := len(d.aff.Nodes(p, topVer))

	var rmts []*cluster.Node
	for _, id := range d.top.Owners(p, topVer) {
		if id == d.local {
			continue
		}
		if n := d.reg.Get(id); n != nil {
			rmts = append(rmts, n)
		}
	}
	sortByOrderDesc(rmts)

	if affCnt > 0 && len(rmts) > affCnt {
		rmts = rmts[:affCnt]
	}
	return rmts
}

func sortByOrderDesc(nodes []*cluster.Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].Order > nodes[j-1].Order; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// AddAssignments hands an assignment to every worker. An empty assignment
// still flows through the pool so the round barrier and sync future
// resolve.
func (d *Demander) AddAssignments(assigns *Assignment, force bool) {
	if !d.cfg.Enabled {
		return
	}

	d.mu.Lock()
	if !force && d.syncFut.Completed() {
		d.syncFut = newSyncFuture(d.cfg.PoolSize)
	}
	d.mu.Unlock()

	if fut := assigns.ExchangeFuture(); fut != nil && !fut.Dummy() && !assigns.Empty() {
		if d.evts.Recordable(events.RebalanceStarted) {
			d.evts.Record(events.Event{Type: events.RebalanceStarted, Node: d.local})
		}
	}

	for _, w := range d.workers {
		select {
		case w.assignQ <- assigns:
		case <-d.stopCh:
			return
		}
	}
}

// ForcePreload triggers an out-of-band rebalance round on the current
// topology.
func (d *Demander) ForcePreload() {
	fut := d.exch.CurrentExchangeFuture()
	if fut == nil {
		log.Printf("rebalance: ignoring force preload, no exchange happened yet")
		return
	}
	d.exch.ForcePreloadExchange(fut)
}

// WithTransfersPaused runs fn while no supply batch can install entries.
// Used by partition clearing so a concurrent transfer never races the
// sweep.
func (d *Demander) WithTransfersPaused(fn func()) {
	d.demandLock.Lock()
	defer d.demandLock.Unlock()
	fn()
}

// exchangeState tracks one demand conversation with a single supplier:
// which requested partitions are still in flight, which came back missed,
// and a channel closed when nothing remains.
type exchangeState struct {
	mu        sync.Mutex
	remaining map[int]struct{}
	subOf     map[int]int
	missed    map[int]struct{}
	done      chan struct{}
	closed    bool
}

func newExchangeState(parts []int) *exchangeState {
	ex := &exchangeState{
		remaining: make(map[int]struct{}, len(parts)),
		subOf:     make(map[int]int, len(parts)),
		missed:    make(map[int]struct{}),
		done:      make(chan struct{}),
	}
	for _, p := range parts {
		ex.remaining[p] = struct{}{}
	}
	if len(parts) == 0 {
		close(ex.done)
		ex.closed = true
	}
	return ex
}

func (ex *exchangeState) setSubChannel(p, subCh int) {
	ex.mu.Lock()
	ex.subOf[p] = subCh
	ex.mu.Unlock()
}

// complete removes a partition from the in-flight set.
func (ex *exchangeState) complete(p int) {
	ex.mu.Lock()
	delete(ex.remaining, p)
	ex.maybeCloseLocked()
	ex.mu.Unlock()
}

// markMissed flags a partition for resync in addition to completing it.
func (ex *exchangeState) markMissed(p int) {
	ex.mu.Lock()
	ex.missed[p] = struct{}{}
	delete(ex.remaining, p)
	ex.maybeCloseLocked()
	ex.mu.Unlock()
}

// abortRemaining moves every in-flight partition to the missed set. Called
// on timeout and on continuation send failure so the round resyncs them.
func (ex *exchangeState) abortRemaining() {
	ex.mu.Lock()
	for p := range ex.remaining {
		ex.missed[p] = struct{}{}
		delete(ex.remaining, p)
	}
	ex.maybeCloseLocked()
	ex.mu.Unlock()
}

func (ex *exchangeState) maybeCloseLocked() {
	if len(ex.remaining) == 0 && !ex.closed {
		ex.closed = true
		close(ex.done)
	}
}

// remainingInSub reports whether any in-flight partition belongs to the
// sub-channel.
func (ex *exchangeState) remainingInSub(subCh int) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for p := range ex.remaining {
		if ex.subOf[p] == subCh {
			return true
		}
	}
	return false
}

func (ex *exchangeState) missedSnapshot() map[int]struct{} {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[int]struct{}, len(ex.missed))
	for p := range ex.missed {
		out[p] = struct{}{}
	}
	return out
}

// demandWorker is one member of the demand pool.
type demandWorker struct {
	id      int
	d       *Demander
	assignQ chan *Assignment
}

// topologyChanged reports whether a newer assignment or exchange obsoletes
// the round the worker is processing.
func (w *demandWorker) topologyChanged() bool {
	return len(w.assignQ) > 0 || w.d.exch.TopologyChanged()
}

// poll waits up to the network timeout for the next assignment.
func (w *demandWorker) poll(timeout time.Duration) *Assignment {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case a := <-w.assignQ:
		return a
	case <-w.d.stopCh:
		return nil
	case <-t.C:
		return nil
	}
}

func (w *demandWorker) run() {
	defer w.d.wg.Done()
	defer w.d.SyncFuture().onWorkerDone(w.id)

	var lastFut *exchange.Future

	for !w.d.cancelled() {
		if err := w.d.barrier.await(w.d.stopCh); err != nil {
			return
		}

		// Worker 0 reports the end of the previous round for the pool.
		if w.id == 0 && lastFut != nil && !lastFut.Dummy() {
			if w.d.evts.Recordable(events.RebalanceStopped) {
				w.d.evts.Record(events.Event{Type: events.RebalanceStopped, Node: w.d.local})
			}
		}

		var assigns *Assignment
		for assigns == nil {
			if w.d.cancelled() {
				return
			}
			assigns = w.poll(w.d.cfg.NetworkTimeout)
		}
		lastFut = assigns.ExchangeFuture()

		w.processAssignment(assigns)

		w.d.exch.ScheduleResendPartitions()
	}
}

// processAssignment drives one rebalance round for the worker: claim
// per-node demands, run the exchanges, force a resync round for missed
// partitions.
func (w *demandWorker) processAssignment(assigns *Assignment) {
	start := time.Now()
	syncFut := w.d.SyncFuture()

	w.d.demandLock.RLock()
	defer func() {
		w.d.demandLock.RUnlock()
		syncFut.onWorkerDone(w.id)
		metrics.RebalanceDuration.Observe(time.Since(start).Seconds())
	}()

	if assigns.Empty() {
		return
	}

	exchFut := assigns.ExchangeFuture()
	topVer := assigns.TopologyVersion()

	resync := false
	for !w.d.cancelled() && !w.topologyChanged() && !resync {
		missed := make(map[int]struct{})

		for _, node := range assigns.Nodes() {
			if w.d.cancelled() || w.topologyChanged() {
				break
			}
			d := assigns.Claim(node.ID)
			if d == nil {
				continue
			}

			set, err := w.demandFromNode(node, topVer, d)
			switch {
			case errors.Is(err, gerrors.ErrCancelled):
				return
			case errors.Is(err, gerrors.ErrNodeLeft):
				log.Printf("rebalance: worker %d: node %s left during rebalancing, waiting for exchange", w.id, node.ID)
				resync = true
			case err != nil:
				log.Printf("rebalance: worker %d: failed to receive partitions from %s: %v", w.id, node.ID, err)
			}
			for p := range set {
				missed[p] = struct{}{}
			}
			if resync {
				break
			}
		}

		if len(missed) == 0 {
			break
		}

		metrics.MissedPartitions.Add(float64(len(missed)))
		log.Printf("rebalance: worker %d: %d partitions missed at %s, forcing resync", w.id, len(missed), topVer)
		w.d.exch.ForceDummyExchange(true, exchFut)
		// The dummy exchange lands a fresh assignment on our queue, which
		// makes topologyChanged true and ends the round.
	}
}

// demandFromNode runs the full demand/supply conversation with one
// supplier. It returns the partitions that must be re-requested in a
// resync round.
func (w *demandWorker) demandFromNode(node *cluster.Node, topVer cluster.TopologyVersion,
	d *DemandMessage) (map[int]struct{}, error) {

	d.WorkerID = w.id
	d.UpdateSeq = w.d.top.UpdateSequence()

	ex := newExchangeState(d.Parts)

	if w.d.cancelled() || w.topologyChanged() {
		return ex.missedSnapshot(), nil
	}

	cacheID := w.d.cfg.CacheID
	subChs := w.d.cfg.PoolSize

	// Handlers must be in place before the first demand leaves, or a fast
	// supplier could reply into the void.
	for i := 0; i < subChs; i++ {
		subCh := i
		w.d.io.AddOrderedHandler(transport.SupplyTopic(subCh, cacheID, node.ID),
			func(from cluster.NodeID, msg any) {
				s, ok := msg.(*SupplyMessage)
				if !ok {
					return
				}
				w.handleSupplyMessage(subCh, from, node, topVer, d, ex, s)
			})
	}
	defer func() {
		for i := 0; i < subChs; i++ {
			w.d.io.RemoveOrderedHandler(transport.SupplyTopic(i, cacheID, node.ID))
		}
	}()

	// Spread the partitions over the sub-channels; each carries an
	// independent ordered conversation with the supplier.
	shards := make([][]int, subChs)
	for i, p := range d.Parts {
		shards[i%subChs] = append(shards[i%subChs], p)
		ex.setSubChannel(p, i%subChs)
	}

	for subCh, parts := range shards {
		if len(parts) == 0 {
			continue
		}
		sub := d.clone(parts)
		sub.ReplyTo = transport.SupplyTopic(subCh, cacheID, node.ID)
		if err := w.d.io.SendOrdered(node, transport.DemandTopic(subCh, cacheID), sub, sub.Timeout()); err != nil {
			if !w.d.reg.Contains(node.ID) {
				return ex.missedSnapshot(), gerrors.ErrNodeLeft
			}
			log.Printf("rebalance: worker %d: demand to %s failed: %v", w.id, node.ID, err)
			for _, p := range parts {
				ex.markMissed(p)
			}
		}
	}

	deadline := time.Now().Add(d.Timeout())
	tick := time.NewTicker(w.d.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ex.done:
			return ex.missedSnapshot(), nil
		case <-w.d.stopCh:
			return ex.missedSnapshot(), gerrors.ErrCancelled
		case <-tick.C:
			if w.topologyChanged() {
				return ex.missedSnapshot(), nil
			}
			if !w.d.reg.Contains(node.ID) {
				return ex.missedSnapshot(), gerrors.ErrNodeLeft
			}
			if time.Now().After(deadline) {
				log.Printf("rebalance: worker %d: demand to %s timed out after %s", w.id, node.ID, d.Timeout())
				ex.abortRemaining()
				return ex.missedSnapshot(), gerrors.ErrTimeout
			}
		}
	}
}

// handleSupplyMessage applies one supply batch. It runs on the reply
// topic's dispatch goroutine, so batches from one sub-channel are applied
// in order.
func (w *demandWorker) handleSupplyMessage(subCh int, from cluster.NodeID, node *cluster.Node,
	topVer cluster.TopologyVersion, d *DemandMessage, ex *exchangeState, s *SupplyMessage) {

	if from != node.ID {
		log.Printf("rebalance: dropping supply message from unexpected node %s, wanted %s", from, node.ID)
		metrics.SupplyMessages.WithLabelValues("unexpected").Inc()
		return
	}
	if w.topologyChanged() {
		metrics.SupplyMessages.WithLabelValues("stale").Inc()
		return
	}
	if s.Err != "" {
		log.Printf("rebalance: supplier %s reported error, dropping batch: %s", node.ID, s.Err)
		metrics.SupplyMessages.WithLabelValues("error").Inc()
		return
	}
	metrics.SupplyMessages.WithLabelValues("handled").Inc()

	for _, p := range s.partitions() {
		if !w.d.aff.LocalNode(p, topVer) {
			// Reassigned away while the batch was in flight.
			ex.complete(p)
			continue
		}
		part, err := w.d.top.LocalPartition(p, topVer, true)
		if err != nil || part.State() != topology.Moving {
			ex.complete(p)
			continue
		}
		if !part.Reserve() {
			ex.complete(p)
			continue
		}

		fatal := w.applyBatch(part, p, node, topVer, s)
		part.Release()
		if fatal {
			return
		}

		if s.IsLast(p) {
			if w.d.top.Own(part) {
				metrics.PartitionsRebalanced.Inc()
				log.Printf("rebalance: partition %d owned after loading from %s", p, node.ID)
				if w.d.evts.Recordable(events.PartitionLoaded) {
					w.d.evts.Record(events.Event{
						Type:      events.PartitionLoaded,
						Partition: p,
						Node:      w.d.local,
					})
				}
			}
			ex.complete(p)
		}
	}

	for _, p := range s.Missed {
		if w.d.aff.LocalNode(p, topVer) {
			ex.markMissed(p)
		} else {
			ex.complete(p)
		}
	}

	if ex.remainingInSub(subCh) {
		// Acknowledge the batch so the supplier streams the next one.
		next := d.clone(nil)
		next.ReplyTo = transport.SupplyTopic(subCh, w.d.cfg.CacheID, node.ID)
		if err := w.d.io.SendOrdered(node, transport.DemandTopic(subCh, w.d.cfg.CacheID), next, next.Timeout()); err != nil {
			log.Printf("rebalance: continuation to %s failed: %v", node.ID, err)
			ex.abortRemaining()
		}
	}
}

// applyBatch installs the batch's entries for one partition under its
// populate lock. Reports whether a fatal error cancelled the pool.
func (w *demandWorker) applyBatch(part *topology.Partition, p int, node *cluster.Node,
	topVer cluster.TopologyVersion, s *SupplyMessage) bool {

	part.Lock()
	defer part.Unlock()

	infos := s.Infos[p]
	for i := range infos {
		info := &infos[i]
		if !part.PreloadingPermitted(info.Key, info.Version) {
			continue
		}
		if err := w.d.preloadEntry(part, info); err != nil {
			if errors.Is(err, gerrors.ErrInvalidPartition) {
				log.Printf("rebalance: partition %d became invalid, skipping batch", p)
				return false
			}
			log.Printf("rebalance: fatal error preloading partition %d from %s: %v", p, node.ID, err)
			w.d.SyncFuture().fail(err)
			w.d.cancel()
			return true
		}
	}
	return false
}

// preloadEntry merges one rebalanced entry into the local store. The entry
// is only installed when the key is absent or holds a strictly older
// version.
func (d *Demander) preloadEntry(part *topology.Partition, info *EntryInfo) error {
	if part.State() != topology.Moving {
		return gerrors.ErrInvalidPartition
	}
	if d.budgetBlown.Load() {
		return nil
	}

	e := info.toEntry()
	if e.Expired() {
		return nil
	}
	if d.cfg.PreloadPredicate != nil && !d.cfg.PreloadPredicate(e) {
		return nil
	}

	installed, err := d.store.InitialValue(e)
	if err != nil {
		if errors.Is(err, gerrors.ErrSpaceExceeded) {
			log.Printf("rebalance: space budget exceeded, ignoring further rebalanced entries")
			d.budgetBlown.Store(true)
			return nil
		}
		return fmt.Errorf("preload key %q into partition %d: %w", e.Key, part.ID(), err)
	}
	if installed {
		metrics.EntriesPreloaded.Inc()
		if d.touch != nil {
			d.touch(e.Key)
		}
		if d.evts.Recordable(events.ObjectLoaded) {
			d.evts.Record(events.Event{
				Type:      events.ObjectLoaded,
				Partition: part.ID(),
				Key:       e.Key,
				Node:      d.local,
			})
		}
	}
	return nil
}
