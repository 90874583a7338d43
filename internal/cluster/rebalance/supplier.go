package rebalance

import (
	"log"
	"sync"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
	"github.com/akuznetsov-gridgain/ignite/internal/engine"
	"github.com/akuznetsov-gridgain/ignite/internal/transport"
)

// Supplier answers demand messages with batched partition entries. A fresh
// demand opens a supply session that snapshots the requested partitions'
// keys; each continuation demand streams the next batch until every
// partition is drained.
type Supplier struct {
	cfg   Config
	local cluster.NodeID
	reg   *cluster.Registry
	top   *topology.Topology
	store engine.Store
	io    transport.Transport

	mu       sync.Mutex
	sessions map[sessionKey]*supplySession
}

// sessionKey identifies one demand conversation: a worker of a remote
// demander on one sub-channel.
type sessionKey struct {
	node     cluster.NodeID
	subCh    int
	workerID int
}

type supplySession struct {
	topVer    cluster.TopologyVersion
	updateSeq int64
	replyTo   transport.Topic
	// pending holds one iterator per requested partition, drained in
	// order.
	pending []*partIter
}

type partIter struct {
	part int
	keys []string
	pos  int
}

// NewSupplier creates a supplier for the cache.
func NewSupplier(cfg Config, local cluster.NodeID, reg *cluster.Registry,
	top *topology.Topology, store engine.Store, io transport.Transport) *Supplier {

	cfg = cfg.withDefaults()
	return &Supplier{
		cfg:      cfg,
		local:    local,
		reg:      reg,
		top:      top,
		store:    store,
		io:       io,
		sessions: make(map[sessionKey]*supplySession),
	}
}

// Start registers the demand handlers, one per sub-channel.
func (s *Supplier) Start() {
	for i := 0; i < s.cfg.PoolSize; i++ {
		subCh := i
		s.io.AddOrderedHandler(transport.DemandTopic(subCh, s.cfg.CacheID),
			func(from cluster.NodeID, msg any) {
				d, ok := msg.(*DemandMessage)
				if !ok {
					return
				}
				s.handleDemand(subCh, from, d)
			})
	}
}

// Stop unregisters the demand handlers and drops open sessions.
func (s *Supplier) Stop() {
	for i := 0; i < s.cfg.PoolSize; i++ {
		s.io.RemoveOrderedHandler(transport.DemandTopic(i, s.cfg.CacheID))
	}
	s.mu.Lock()
	s.sessions = make(map[sessionKey]*supplySession)
	s.mu.Unlock()
}

func (s *Supplier) handleDemand(subCh int, from cluster.NodeID, d *DemandMessage) {
	node := s.reg.Get(from)
	if node == nil {
		log.Printf("rebalance: dropping demand from unknown node %s", from)
		return
	}

	key := sessionKey{node: from, subCh: subCh, workerID: d.WorkerID}

	if len(d.Parts) == 0 {
		// Continuation: stream the next batch of an open session.
		s.mu.Lock()
		sess := s.sessions[key]
		s.mu.Unlock()
		if sess == nil {
			// Session already drained; the demander has nothing left on
			// this sub-channel.
			return
		}
		s.sendBatch(key, sess, node, d.Timeout())
		return
	}

	curVer := s.top.Version()
	if curVer.After(d.TopVer) {
		// The demand was computed for an older topology; every partition
		// comes back missed so the demander resyncs on the new version.
		log.Printf("rebalance: stale demand from %s at %s, current %s", from, d.TopVer, curVer)
		reply := &SupplyMessage{CacheID: s.cfg.CacheID, TopVer: d.TopVer, Missed: d.Parts}
		if err := s.io.SendOrdered(node, d.ReplyTo, reply, d.Timeout()); err != nil {
			log.Printf("rebalance: reply to %s failed: %v", from, err)
		}
		return
	}

	s.mu.Lock()
	if prev := s.sessions[key]; prev != nil && prev.updateSeq > d.UpdateSeq {
		// The demand was computed before the session it would replace;
		// the reordered message must not reset the stream.
		s.mu.Unlock()
		log.Printf("rebalance: dropping out-of-order demand from %s (seq %d < %d)",
			from, d.UpdateSeq, prev.updateSeq)
		return
	}
	s.mu.Unlock()

	sess := &supplySession{topVer: d.TopVer, updateSeq: d.UpdateSeq, replyTo: d.ReplyTo}
	var missed []int
	for _, p := range d.Parts {
		if !s.top.OwnsLocally(p) {
			missed = append(missed, p)
			continue
		}
		sess.pending = append(sess.pending, &partIter{part: p, keys: s.store.PartitionKeys(p)})
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.sendBatch(key, sess, node, d.Timeout(), missed...)
}

// sendBatch drains up to BatchSize entries from the session's pending
// iterators into one supply message. Fully drained partitions get a last
// marker; when nothing remains the session is closed.
func (s *Supplier) sendBatch(key sessionKey, sess *supplySession, node *cluster.Node,
	timeout time.Duration, missed ...int) {

	msg := &SupplyMessage{
		CacheID: s.cfg.CacheID,
		TopVer:  sess.topVer,
		Infos:   make(map[int][]EntryInfo),
		Missed:  missed,
	}

	budget := s.cfg.BatchSize
	for len(sess.pending) > 0 {
		it := sess.pending[0]

		part := s.top.Partition(it.part)
		if part == nil || !part.Reserve() {
			// Lost the partition since the session opened.
			msg.Missed = append(msg.Missed, it.part)
			sess.pending = sess.pending[1:]
			continue
		}
		if part.State() != topology.Owning {
			part.Release()
			msg.Missed = append(msg.Missed, it.part)
			sess.pending = sess.pending[1:]
			continue
		}

		for ; it.pos < len(it.keys) && budget > 0; it.pos++ {
			e, ok := s.store.Get(it.keys[it.pos])
			if !ok {
				continue
			}
			msg.Infos[it.part] = append(msg.Infos[it.part], entryInfoOf(e))
			budget--
		}
		part.Release()

		if it.pos < len(it.keys) {
			// Budget exhausted mid-partition; the continuation resumes
			// here.
			break
		}
		msg.Last = append(msg.Last, it.part)
		sess.pending = sess.pending[1:]
		if budget == 0 {
			break
		}
	}

	if len(sess.pending) == 0 {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}

	if err := s.io.SendOrdered(node, sess.replyTo, msg, timeout); err != nil {
		// The demander's timeout turns the stalled partitions into missed
		// ones and resyncs them in the next round.
		log.Printf("rebalance: supply batch to %s failed: %v", node.ID, err)
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}
}
