// Package grid wires the node together: membership, exchange, rebalancing,
// storage and the client-facing cache operations.
package grid

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/affinity"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/discovery"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/exchange"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/rebalance"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/state"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
	"github.com/akuznetsov-gridgain/ignite/internal/engine"
	"github.com/akuznetsov-gridgain/ignite/internal/engine/badgerstore"
	"github.com/akuznetsov-gridgain/ignite/internal/engine/memory"
	"github.com/akuznetsov-gridgain/ignite/internal/events"
	"github.com/akuznetsov-gridgain/ignite/internal/transport"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// Config configures a grid node.
type Config struct {
	// NodeID pins the node identity; empty generates one.
	NodeID string
	// Addr is the client (RESP) address advertised to peers.
	Addr string
	// GridAddr is the rebalance transport listen address.
	GridAddr string
	// DiscoAddr is the discovery listen address.
	DiscoAddr string
	// Seeds are discovery addresses of running members to join.
	Seeds []string
	// DataDir holds persisted grid state and the disk store.
	DataDir string
	// Engine selects the store variant: "memory" (default) or "badger".
	Engine string
	// SpaceBudget bounds the badger store size in bytes; 0 is unlimited.
	SpaceBudget int64

	Affinity  affinity.Config
	Rebalance rebalance.Config
	Exchange  exchange.Config
	Discovery discovery.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine:    "memory",
		DataDir:   "data",
		Affinity:  affinity.DefaultConfig(),
		Rebalance: rebalance.DefaultConfig(),
	}
}

// Grid is one node of the data grid.
type Grid struct {
	cfg  Config
	self *cluster.Node

	reg   *cluster.Registry
	aff   *affinity.Function
	top   *topology.Topology
	store engine.Store
	io    transport.Transport
	exch  *exchange.Manager
	dem   *rebalance.Demander
	sup   *rebalance.Supplier
	disco *discovery.Discovery
	stm   *state.Manager
	evts  *events.Recorder

	restoredOwned []int

	mu      sync.Mutex
	started bool
}

// New builds a grid node from the config. Start brings it online.
func New(cfg Config) (*Grid, error) {
	self := &cluster.Node{
		ID:       cluster.NodeID(cfg.NodeID),
		Addr:     cfg.Addr,
		GridAddr: cfg.GridAddr,
		Order:    uint64(time.Now().UnixNano()),
	}
	if self.ID == "" {
		self.ID = cluster.GenerateNodeID()
	}

	g := &Grid{
		cfg:  cfg,
		self: self,
		reg:  cluster.NewRegistry(),
		evts: events.NewRecorder(),
	}

	stm, err := state.NewManager(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	g.stm = stm
	stm.SetProvider(g)
	// Restores the persisted identity, so it must run before anything
	// keyed by the node id is built.
	if err := stm.Load(); err != nil {
		return nil, fmt.Errorf("load grid state: %w", err)
	}

	g.aff = affinity.New(self.ID, cfg.Affinity)
	g.top = topology.New(self.ID)

	touch := engine.TouchFunc(nil)
	switch cfg.Engine {
	case "", "memory":
		g.store = memory.NewStore(memory.Config{
			PartitionOf: g.aff.PartitionForKey,
			Touch:       touch,
		})
	case "badger":
		st, err := badgerstore.NewStore(badgerstore.Config{
			Path:        cfg.DataDir + "/store",
			PartitionOf: g.aff.PartitionForKey,
			SpaceBudget: cfg.SpaceBudget,
			Touch:       touch,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		g.store = st
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}

	// A persistent engine kept the partition contents across the restart,
	// so the node resumes ownership and can supply the data straight away.
	// Memory contents did not survive; ownership must be re-earned.
	if cfg.Engine == "badger" && len(g.restoredOwned) > 0 {
		for _, p := range g.restoredOwned {
			g.top.Own(g.top.MarkMoving(p))
		}
		log.Printf("grid: restored ownership of %d partitions", len(g.restoredOwned))
	}

	msgReg := transport.NewRegistry()
	rebalance.RegisterMessages(msgReg)

	tcp := transport.NewTCP(self.ID, msgReg, transport.TCPConfig{Addr: cfg.GridAddr})
	if err := tcp.Start(); err != nil {
		return nil, fmt.Errorf("start grid transport: %w", err)
	}
	g.io = tcp
	self.GridAddr = tcp.Addr()

	g.exch = exchange.NewManager(self, g.reg, g.aff, g.top, cfg.Exchange)
	g.exch.SetEvictFunc(g.evictPartition)

	g.dem = rebalance.NewDemander(cfg.Rebalance, self.ID, g.reg, g.aff, g.top,
		g.exch, g.store, g.io, g.evts, touch)
	g.sup = rebalance.NewSupplier(cfg.Rebalance, self.ID, g.reg, g.top, g.store, g.io)

	g.exch.Listen(g.dem.OnExchange)
	g.exch.Listen(func(*exchange.Future) { g.stm.MarkDirty() })

	disCfg := cfg.Discovery
	disCfg.Addr = cfg.DiscoAddr
	g.disco = discovery.New(self, g.reg, g.top, g.exch, disCfg)
	g.exch.SetResendFunc(g.disco.BroadcastPartitionMap)

	return g, nil
}

// Start brings the node online: registers itself, starts the subsystems
// and joins the seed members.
func (g *Grid) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}

	g.reg.Add(g.self)
	g.exch.Start()
	g.dem.Start()
	g.sup.Start()

	if err := g.disco.Start(); err != nil {
		return err
	}

	// The initial exchange brings the topology to version (1,0) with the
	// local node as the only member.
	g.exch.OnNodeJoined(g.self)

	for _, seed := range g.cfg.Seeds {
		if err := g.disco.Join(seed); err != nil {
			log.Printf("grid: seed %s unreachable: %v", seed, err)
		}
	}

	g.started = true
	log.Printf("grid: node %s started (client %s, grid %s)", g.self.ID, g.self.Addr, g.self.GridAddr)
	return nil
}

// Stop shuts the node down in dependency order.
func (g *Grid) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}
	g.started = false

	g.disco.Stop()
	g.dem.Stop()
	g.sup.Stop()
	g.exch.Stop()
	g.io.Close()
	g.stm.Close()
	return g.store.Close()
}

// Self returns the local node.
func (g *Grid) Self() *cluster.Node { return g.self }

// Nodes returns the current members in join order.
func (g *Grid) Nodes() []*cluster.Node { return g.reg.Nodes() }

// Events returns the grid event recorder.
func (g *Grid) Events() *events.Recorder { return g.evts }

// RebalanceFuture returns the future tracking the in-flight rebalance
// round.
func (g *Grid) RebalanceFuture() *rebalance.SyncFuture { return g.dem.SyncFuture() }

// ForcePreload triggers an out-of-band rebalance round.
func (g *Grid) ForcePreload() { g.dem.ForcePreload() }

// PartitionForKey maps a key to its partition.
func (g *Grid) PartitionForKey(key string) int { return g.aff.PartitionForKey(key) }

// PrimaryForKey returns the primary owner of a key's partition at the
// current topology version.
func (g *Grid) PrimaryForKey(key string) *cluster.Node {
	return g.aff.Primary(g.aff.PartitionForKey(key), g.top.Version())
}

// IsLocalKey reports whether the local node is the key's primary.
func (g *Grid) IsLocalKey(key string) bool {
	n := g.PrimaryForKey(key)
	return n != nil && n.ID == g.self.ID
}

// Get reads a key from the local store. The caller must have routed the
// key here.
func (g *Grid) Get(key string) (*engine.Entry, error) {
	e, ok := g.store.Get(key)
	if !ok {
		return nil, gerrors.ErrKeyNotFound
	}
	return e, nil
}

// Put writes a key locally. The partition is reserved for the duration so
// eviction cannot race the write; writes into a MOVING partition are
// legal and the version counter keeps them ahead of preloaded copies.
func (g *Grid) Put(key string, value []byte, ttl time.Duration) error {
	part, err := g.reservePartition(key)
	if err != nil {
		return err
	}
	defer part.Release()

	e := &engine.Entry{Key: key, Value: value, TTL: ttl}
	if ttl > 0 {
		e.ExpireAt = time.Now().Add(ttl)
	}
	_, err = g.store.Put(e)
	return err
}

// Delete removes a key locally. The removed version is recorded in the
// partition's eviction history so a stale rebalanced copy cannot
// resurrect it.
func (g *Grid) Delete(key string) (bool, error) {
	part, err := g.reservePartition(key)
	if err != nil {
		return false, err
	}
	defer part.Release()

	if old, ok := g.store.Get(key); ok {
		part.OnEntryEvicted(key, old.Version)
	}
	return g.store.Delete(key), nil
}

// Len returns the number of live local entries.
func (g *Grid) Len() int { return g.store.Len() }

func (g *Grid) reservePartition(key string) (*topology.Partition, error) {
	p := g.aff.PartitionForKey(key)
	ver := g.top.Version()
	part, err := g.top.LocalPartition(p, ver, true)
	if err != nil {
		return nil, err
	}
	if !part.Reserve() {
		return nil, gerrors.ErrInvalidPartition
	}
	return part, nil
}

// evictPartition clears a partition that left the local assignment.
// Transfers are paused so an in-flight supply batch cannot interleave
// with the sweep.
func (g *Grid) evictPartition(p int) {
	part := g.top.Partition(p)
	if part == nil {
		return
	}
	g.dem.WithTransfersPaused(func() {
		if !part.EvictIfIdle() {
			// Reserved right now; the next exchange retries the evict.
			return
		}
		n := g.store.ClearPartition(p)
		if n > 0 {
			log.Printf("grid: evicted partition %d (%d entries)", p, n)
		}
	})
	g.stm.MarkDirty()
}

// GridState implements state.Provider.
func (g *Grid) GridState() *state.PersistentState {
	return &state.PersistentState{
		NodeID: g.self.ID,
		Order:  g.self.Order,
		Owned:  g.top.LocalOwned(),
	}
}

// RestoreGridState implements state.Provider. The restored identity
// survives restarts; the owned partition list is re-applied by New when
// the engine is persistent, since only then did the data survive too.
func (g *Grid) RestoreGridState(ps *state.PersistentState) error {
	if ps.NodeID != "" {
		g.self.ID = ps.NodeID
	}
	if ps.Order != 0 {
		g.self.Order = ps.Order
	}
	g.restoredOwned = ps.Owned
	return nil
}

// Info returns a snapshot for the CLUSTER INFO command.
func (g *Grid) Info() map[string]any {
	ver := g.top.Version()
	info := map[string]any{
		"node_id":          string(g.self.ID),
		"topology_version": ver.String(),
		"members":          g.reg.Size(),
		"partitions":       g.aff.Partitions(),
		"moving":           g.top.MovingCount(),
		"owned":            len(g.top.LocalOwned()),
		"entries":          g.store.Len(),
	}
	if b, ok := g.store.(engine.Budgeted); ok {
		info["space_exceeded"] = b.BudgetExceeded()
	}
	return info
}
