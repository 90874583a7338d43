package rebalance

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/affinity"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/exchange"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
	"github.com/akuznetsov-gridgain/ignite/internal/engine"
	"github.com/akuznetsov-gridgain/ignite/internal/engine/memory"
	"github.com/akuznetsov-gridgain/ignite/internal/events"
	"github.com/akuznetsov-gridgain/ignite/internal/transport"
)

const testParts = 8

type fakeExch struct {
	pending atomic.Bool
	changed atomic.Bool

	mu      sync.Mutex
	dummies int
	preload int
	resends int
}

func (f *fakeExch) CurrentExchangeFuture() *exchange.Future { return nil }
func (f *fakeExch) TopologyChanged() bool                   { return f.changed.Load() }
func (f *fakeExch) HasPendingExchange() bool                { return f.pending.Load() }

func (f *fakeExch) ForcePreloadExchange(prev *exchange.Future) {
	f.mu.Lock()
	f.preload++
	f.mu.Unlock()
}

func (f *fakeExch) ForceDummyExchange(reassign bool, prev *exchange.Future) {
	f.mu.Lock()
	f.dummies++
	f.mu.Unlock()
}

func (f *fakeExch) ScheduleResendPartitions() {
	f.mu.Lock()
	f.resends++
	f.mu.Unlock()
}

func (f *fakeExch) dummyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dummies
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	cfg.NetworkTimeout = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BatchSize = 8
	return cfg
}

func testNode(id string, order uint64) *cluster.Node {
	return &cluster.Node{ID: cluster.NodeID(id), Addr: id, GridAddr: id, Order: order}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// testPeer bundles the per-node pieces a demander or supplier needs.
type testPeer struct {
	self  *cluster.Node
	reg   *cluster.Registry
	aff   *affinity.Function
	top   *topology.Topology
	store *memory.Store
	io    transport.Transport
	evts  *events.Recorder
}

func newTestPeer(hub *transport.LocalHub, self *cluster.Node, members ...*cluster.Node) *testPeer {
	p := &testPeer{
		self: self,
		reg:  cluster.NewRegistry(),
		aff:  affinity.New(self.ID, affinity.Config{Partitions: testParts, Backups: 1}),
		top:  topology.New(self.ID),
		io:   hub.Transport(self.ID),
		evts: events.NewRecorder(),
	}
	p.store = memory.NewStore(memory.DefaultConfig(p.aff.PartitionForKey))
	for _, m := range members {
		p.reg.Add(m)
	}
	return p
}

// installVersion snapshots the membership at a version, the way an
// exchange does.
func (p *testPeer) installVersion(ver cluster.TopologyVersion) {
	p.aff.UpdateSnapshot(ver, p.reg.Nodes())
	p.top.SetVersion(ver)
}

func TestAssignRanksOwnersByJoinOrder(t *testing.T) {
	hub := newTestHub()
	local := testNode("local", 1)
	oldOwner := testNode("old", 2)
	newOwner := testNode("new", 3)

	p := newTestPeer(hub, local, local, oldOwner, newOwner)
	p.installVersion(cluster.TopologyVersion{Major: 1})

	ver := p.top.Version()
	var localParts []int
	for part := 0; part < testParts; part++ {
		if p.aff.LocalNode(part, ver) {
			p.top.MarkMoving(part)
			localParts = append(localParts, part)
		}
	}
	require.NotEmpty(t, localParts)
	p.top.SetNodeOwned(oldOwner.ID, localParts)
	p.top.SetNodeOwned(newOwner.ID, localParts)

	d := NewDemander(testConfig(), local.ID, p.reg, p.aff, p.top, &fakeExch{},
		p.store, p.io, p.evts, nil)

	assigns := d.Assign(nil)
	require.False(t, assigns.Empty())

	// The most recently joined owner must be demanded from.
	require.Nil(t, assigns.Get(oldOwner.ID))
	msg := assigns.Get(newOwner.ID)
	require.NotNil(t, msg)
	require.NotEmpty(t, msg.Parts)
}

func TestAssignPairingIsStable(t *testing.T) {
	hub := newTestHub()
	local := testNode("local", 1)
	left := testNode("left", 2)
	right := testNode("right", 3)

	p := newTestPeer(hub, local, local, left, right)
	p.installVersion(cluster.TopologyVersion{Major: 1})

	ver := p.top.Version()
	var localParts []int
	for part := 0; part < testParts; part++ {
		if p.aff.LocalNode(part, ver) {
			p.top.MarkMoving(part)
			localParts = append(localParts, part)
		}
	}
	require.NotEmpty(t, localParts)

	// Disjoint owner sets so the assignment spans both suppliers.
	var leftParts, rightParts []int
	for i, part := range localParts {
		if i%2 == 0 {
			leftParts = append(leftParts, part)
		} else {
			rightParts = append(rightParts, part)
		}
	}
	p.top.SetNodeOwned(left.ID, leftParts)
	p.top.SetNodeOwned(right.ID, rightParts)

	d := NewDemander(testConfig(), local.ID, p.reg, p.aff, p.top, &fakeExch{},
		p.store, p.io, p.evts, nil)

	// Unchanged topology must yield the same (node, partition) pairing on
	// every computation.
	first := d.Assign(nil)
	second := d.Assign(nil)
	require.False(t, first.Empty())

	for _, n := range []*cluster.Node{left, right} {
		a, b := first.Get(n.ID), second.Get(n.ID)
		require.NotNil(t, a, "node %s missing from first assignment", n.ID)
		require.NotNil(t, b, "node %s missing from second assignment", n.ID)
		require.Equal(t, a.Parts, b.Parts, "pairing for %s drifted", n.ID)
	}
	require.Equal(t, first.PartitionCount(), second.PartitionCount())
}

func TestAssignOwnsPartitionWithoutOwners(t *testing.T) {
	hub := newTestHub()
	local := testNode("solo", 1)

	p := newTestPeer(hub, local, local)
	p.evts.Enable(events.PartitionDataLost)

	var lost atomic.Int32
	p.evts.Listen(func(e events.Event) {
		if e.Type == events.PartitionDataLost {
			lost.Add(1)
		}
	})

	p.installVersion(cluster.TopologyVersion{Major: 1})

	d := NewDemander(testConfig(), local.ID, p.reg, p.aff, p.top, &fakeExch{},
		p.store, p.io, p.evts, nil)

	assigns := d.Assign(nil)
	require.True(t, assigns.Empty())

	// Every local partition must be owned empty, exactly once.
	for part := 0; part < testParts; part++ {
		require.True(t, p.top.OwnsLocally(part), "partition %d not owned", part)
	}
	require.Equal(t, int32(testParts), lost.Load())

	// A second assignment pass must not re-own or re-fire events.
	d.Assign(nil)
	require.Equal(t, int32(testParts), lost.Load())
}

func TestAssignAbortsOnPendingExchange(t *testing.T) {
	hub := newTestHub()
	local := testNode("local", 1)
	remote := testNode("remote", 2)

	p := newTestPeer(hub, local, local, remote)
	p.installVersion(cluster.TopologyVersion{Major: 1})
	for part := 0; part < testParts; part++ {
		p.top.SetNodeOwned(remote.ID, []int{part})
	}

	fe := &fakeExch{}
	fe.pending.Store(true)

	d := NewDemander(testConfig(), local.ID, p.reg, p.aff, p.top, fe,
		p.store, p.io, p.evts, nil)

	assigns := d.Assign(nil)
	require.True(t, assigns.Empty())
}

func TestAssignDisabled(t *testing.T) {
	hub := newTestHub()
	local := testNode("local", 1)

	p := newTestPeer(hub, local, local)
	p.installVersion(cluster.TopologyVersion{Major: 1})

	cfg := testConfig()
	cfg.Enabled = false
	d := NewDemander(cfg, local.ID, p.reg, p.aff, p.top, &fakeExch{},
		p.store, p.io, p.evts, nil)

	require.True(t, d.Assign(nil).Empty())
	// A disabled demander's sync future resolves immediately.
	require.True(t, d.SyncFuture().Completed())
	// Partitions stay MOVING; nothing was owned empty.
	require.Equal(t, 0, len(p.top.LocalOwned()))
}

func newTestHub() *transport.LocalHub {
	reg := transport.NewRegistry()
	RegisterMessages(reg)
	return transport.NewLocalHub(reg)
}

func TestDemandSupplyTransfersPartitions(t *testing.T) {
	hub := newTestHub()
	src := testNode("src", 1)
	dst := testNode("dst", 2)
	ver := cluster.TopologyVersion{Major: 2}

	supPeer := newTestPeer(hub, src, src, dst)
	supPeer.installVersion(ver)

	// The source owns everything and holds the data.
	for part := 0; part < testParts; part++ {
		supPeer.top.MarkMoving(part)
		p, err := supPeer.top.LocalPartition(part, ver, true)
		require.NoError(t, err)
		require.True(t, supPeer.top.Own(p))
	}
	keys := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot",
		"golf", "hotel", "india", "juliett", "kilo", "lima"}
	for _, k := range keys {
		_, err := supPeer.store.Put(&engine.Entry{Key: k, Value: []byte("v-" + k)})
		require.NoError(t, err)
	}

	sup := NewSupplier(testConfig(), src.ID, supPeer.reg, supPeer.top, supPeer.store, supPeer.io)
	sup.Start()
	defer sup.Stop()

	demPeer := newTestPeer(hub, dst, src, dst)
	demPeer.installVersion(ver)
	demPeer.top.SetNodeOwned(src.ID, allParts())

	fe := &fakeExch{}
	dem := NewDemander(testConfig(), dst.ID, demPeer.reg, demPeer.aff, demPeer.top, fe,
		demPeer.store, demPeer.io, demPeer.evts, nil)
	dem.Start()
	defer dem.Stop()

	fut := dem.SyncFuture()
	dem.AddAssignments(dem.Assign(nil), false)

	waitFor(t, 5*time.Second, fut.Completed, "rebalance round did not complete")
	require.NoError(t, fut.Err())

	waitFor(t, 2*time.Second, func() bool {
		return demPeer.top.MovingCount() == 0
	}, "partitions did not all become OWNING")

	for _, k := range keys {
		e, ok := demPeer.store.Get(k)
		require.True(t, ok, "key %s not transferred", k)
		require.Equal(t, []byte("v-"+k), e.Value)
	}
	require.Equal(t, 0, fe.dummyCount())
}

func TestDemandMissedPartitionForcesResync(t *testing.T) {
	hub := newTestHub()
	src := testNode("src", 1)
	dst := testNode("dst", 2)
	ver := cluster.TopologyVersion{Major: 2}

	// The source owns nothing, so every demanded partition comes back
	// missed.
	supPeer := newTestPeer(hub, src, src, dst)
	supPeer.installVersion(ver)

	sup := NewSupplier(testConfig(), src.ID, supPeer.reg, supPeer.top, supPeer.store, supPeer.io)
	sup.Start()
	defer sup.Stop()

	demPeer := newTestPeer(hub, dst, src, dst)
	demPeer.installVersion(ver)
	demPeer.top.SetNodeOwned(src.ID, allParts())

	fe := &fakeExch{}
	dem := NewDemander(testConfig(), dst.ID, demPeer.reg, demPeer.aff, demPeer.top, fe,
		demPeer.store, demPeer.io, demPeer.evts, nil)
	dem.Start()
	defer dem.Stop()

	dem.AddAssignments(dem.Assign(nil), false)

	waitFor(t, 5*time.Second, func() bool {
		return fe.dummyCount() >= 1
	}, "missed partitions did not force a resync exchange")

	// Missed partitions must not be owned.
	require.NotEqual(t, 0, demPeer.top.MovingCount())
}

func TestDemandStaleVersionComesBackMissed(t *testing.T) {
	hub := newTestHub()
	src := testNode("src", 1)
	dst := testNode("dst", 2)

	// The supplier has already advanced past the demander's version.
	supPeer := newTestPeer(hub, src, src, dst)
	supPeer.installVersion(cluster.TopologyVersion{Major: 3})

	sup := NewSupplier(testConfig(), src.ID, supPeer.reg, supPeer.top, supPeer.store, supPeer.io)
	sup.Start()
	defer sup.Stop()

	demPeer := newTestPeer(hub, dst, src, dst)
	demPeer.installVersion(cluster.TopologyVersion{Major: 2})
	demPeer.top.SetNodeOwned(src.ID, allParts())

	fe := &fakeExch{}
	dem := NewDemander(testConfig(), dst.ID, demPeer.reg, demPeer.aff, demPeer.top, fe,
		demPeer.store, demPeer.io, demPeer.evts, nil)
	dem.Start()
	defer dem.Stop()

	dem.AddAssignments(dem.Assign(nil), false)

	waitFor(t, 5*time.Second, func() bool {
		return fe.dummyCount() >= 1
	}, "stale demand did not trigger a resync")
}

func TestPreloadDoesNotDowngradeNewerEntry(t *testing.T) {
	hub := newTestHub()
	src := testNode("src", 1)
	dst := testNode("dst", 2)
	ver := cluster.TopologyVersion{Major: 2}

	supPeer := newTestPeer(hub, src, src, dst)
	supPeer.installVersion(ver)
	for part := 0; part < testParts; part++ {
		p, err := supPeer.top.LocalPartition(part, ver, true)
		require.NoError(t, err)
		supPeer.top.Own(p)
	}
	_, err := supPeer.store.Put(&engine.Entry{Key: "contended", Value: []byte("remote-old"), Version: 5})
	require.NoError(t, err)

	sup := NewSupplier(testConfig(), src.ID, supPeer.reg, supPeer.top, supPeer.store, supPeer.io)
	sup.Start()
	defer sup.Stop()

	demPeer := newTestPeer(hub, dst, src, dst)
	demPeer.installVersion(ver)
	demPeer.top.SetNodeOwned(src.ID, allParts())

	// A concurrent local write landed a newer version before the
	// transfer.
	_, err = demPeer.store.Put(&engine.Entry{Key: "contended", Value: []byte("local-new"), Version: 9})
	require.NoError(t, err)

	fe := &fakeExch{}
	dem := NewDemander(testConfig(), dst.ID, demPeer.reg, demPeer.aff, demPeer.top, fe,
		demPeer.store, demPeer.io, demPeer.evts, nil)
	dem.Start()
	defer dem.Stop()

	fut := dem.SyncFuture()
	dem.AddAssignments(dem.Assign(nil), false)
	waitFor(t, 5*time.Second, fut.Completed, "round did not complete")

	e, ok := demPeer.store.Get("contended")
	require.True(t, ok)
	require.Equal(t, []byte("local-new"), e.Value)
	require.Equal(t, uint64(9), e.Version)
}

func TestEvictedKeyNotResurrected(t *testing.T) {
	hub := newTestHub()
	src := testNode("src", 1)
	dst := testNode("dst", 2)
	ver := cluster.TopologyVersion{Major: 2}

	supPeer := newTestPeer(hub, src, src, dst)
	supPeer.installVersion(ver)
	for part := 0; part < testParts; part++ {
		p, err := supPeer.top.LocalPartition(part, ver, true)
		require.NoError(t, err)
		supPeer.top.Own(p)
	}
	_, err := supPeer.store.Put(&engine.Entry{Key: "ghost", Value: []byte("stale"), Version: 3})
	require.NoError(t, err)

	sup := NewSupplier(testConfig(), src.ID, supPeer.reg, supPeer.top, supPeer.store, supPeer.io)
	sup.Start()
	defer sup.Stop()

	demPeer := newTestPeer(hub, dst, src, dst)
	demPeer.installVersion(ver)
	demPeer.top.SetNodeOwned(src.ID, allParts())

	// The key was deleted locally at a later version while the partition
	// was MOVING.
	ghostPart := demPeer.aff.PartitionForKey("ghost")
	part, err := demPeer.top.LocalPartition(ghostPart, ver, true)
	require.NoError(t, err)
	part.OnEntryEvicted("ghost", 7)

	fe := &fakeExch{}
	dem := NewDemander(testConfig(), dst.ID, demPeer.reg, demPeer.aff, demPeer.top, fe,
		demPeer.store, demPeer.io, demPeer.evts, nil)
	dem.Start()
	defer dem.Stop()

	fut := dem.SyncFuture()
	dem.AddAssignments(dem.Assign(nil), false)
	waitFor(t, 5*time.Second, fut.Completed, "round did not complete")

	_, ok := demPeer.store.Get("ghost")
	require.False(t, ok, "evicted key was resurrected by rebalancing")
}

func TestFullExchangePipeline(t *testing.T) {
	hub := newTestHub()
	n1 := testNode("n1", 1)
	n2 := testNode("n2", 2)

	p1 := newTestPeer(hub, n1)
	p2 := newTestPeer(hub, n2)

	start := func(p *testPeer) (*exchange.Manager, *Demander, *Supplier) {
		exch := exchange.NewManager(p.self, p.reg, p.aff, p.top, exchange.Config{})
		dem := NewDemander(testConfig(), p.self.ID, p.reg, p.aff, p.top, exch,
			p.store, p.io, p.evts, nil)
		sup := NewSupplier(testConfig(), p.self.ID, p.reg, p.top, p.store, p.io)
		exch.Listen(dem.OnExchange)
		exch.Start()
		dem.Start()
		sup.Start()
		return exch, dem, sup
	}

	exch1, dem1, sup1 := start(p1)
	defer func() { sup1.Stop(); dem1.Stop(); exch1.Stop() }()

	// Node 1 boots alone and owns everything empty.
	p1.reg.Add(n1)
	exch1.OnNodeJoined(n1)
	waitFor(t, 5*time.Second, func() bool {
		return len(p1.top.LocalOwned()) == testParts
	}, "first node did not own all partitions")

	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9", "k10"}
	for _, k := range keys {
		_, err := p1.store.Put(&engine.Entry{Key: k, Value: []byte("v-" + k)})
		require.NoError(t, err)
	}

	exch2, dem2, sup2 := start(p2)
	defer func() { sup2.Stop(); dem2.Stop(); exch2.Stop() }()

	// Node 2 joins: it replays the same membership events so both sides
	// land on the same topology version, and learns node 1's ownership
	// the way a discovery broadcast would deliver it.
	p2.reg.Add(n1)
	p2.top.SetNodeOwned(n1.ID, allParts())
	exch2.OnNodeJoined(n1)

	p1.reg.Add(n2)
	p2.reg.Add(n2)
	exch1.OnNodeJoined(n2)
	exch2.OnNodeJoined(n2)

	waitFor(t, 10*time.Second, func() bool {
		return p2.top.MovingCount() == 0 && len(p2.top.LocalOwned()) == testParts
	}, "joining node did not finish rebalancing")

	for _, k := range keys {
		e, ok := p2.store.Get(k)
		require.True(t, ok, "key %s missing on joined node", k)
		require.Equal(t, []byte("v-"+k), e.Value)
	}
}

func allParts() []int {
	out := make([]int, testParts)
	for i := range out {
		out[i] = i
	}
	return out
}
