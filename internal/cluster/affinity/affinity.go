// Package affinity maps partitions to the ordered set of nodes that should
// own them at a given topology version.
package affinity

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

// DefaultPartitions is the default partition count.
const DefaultPartitions = 1024

// snapshotHistory bounds how many membership snapshots are retained. An
// in-flight exchange never refers further back than the previous version.
const snapshotHistory = 8

// Config configures the affinity function.
type Config struct {
	// Partitions is the fixed partition count (default: 1024).
	Partitions int
	// Backups is the number of backup copies per partition (default: 1).
	Backups int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Partitions: DefaultPartitions, Backups: 1}
}

// Function is a deterministic (partition, topology version) -> owner list
// mapping over a per-version membership snapshot. Snapshots are installed
// by the exchange coordinator before an exchange future completes.
type Function struct {
	local   cluster.NodeID
	parts   int
	backups int

	mu        sync.RWMutex
	snapshots map[cluster.TopologyVersion][]*cluster.Node
	history   []cluster.TopologyVersion
}

// New creates an affinity function for the given local node.
func New(local cluster.NodeID, cfg Config) *Function {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.Backups < 0 {
		cfg.Backups = 0
	}
	return &Function{
		local:     local,
		parts:     cfg.Partitions,
		backups:   cfg.Backups,
		snapshots: make(map[cluster.TopologyVersion][]*cluster.Node),
	}
}

// Partitions returns the fixed partition count.
func (f *Function) Partitions() int {
	return f.parts
}

// PartitionForKey hashes a key onto a partition.
func (f *Function) PartitionForKey(key string) int {
	return int(xxhash.Sum64String(key) % uint64(f.parts))
}

// UpdateSnapshot installs the membership snapshot for a topology version.
// Nodes must be in ascending join order.
func (f *Function) UpdateSnapshot(ver cluster.TopologyVersion, nodes []*cluster.Node) {
	cp := make([]*cluster.Node, len(nodes))
	copy(cp, nodes)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.snapshots[ver]; !ok {
		f.history = append(f.history, ver)
		if len(f.history) > snapshotHistory {
			delete(f.snapshots, f.history[0])
			f.history = f.history[1:]
		}
	}
	f.snapshots[ver] = cp
}

// Nodes returns the ordered owner list for a partition at a topology
// version: the primary first, then backups. Returns nil for an unknown
// version.
func (f *Function) Nodes(p int, ver cluster.TopologyVersion) []*cluster.Node {
	f.mu.RLock()
	members := f.snapshots[ver]
	f.mu.RUnlock()

	if len(members) == 0 {
		return nil
	}

	cnt := f.backups + 1
	if cnt > len(members) {
		cnt = len(members)
	}

	owners := make([]*cluster.Node, 0, cnt)
	for i := 0; i < cnt; i++ {
		owners = append(owners, members[(p+i)%len(members)])
	}
	return owners
}

// LocalNode reports whether the local node is an owner of the partition at
// the given topology version.
func (f *Function) LocalNode(p int, ver cluster.TopologyVersion) bool {
	for _, n := range f.Nodes(p, ver) {
		if n.ID == f.local {
			return true
		}
	}
	return false
}

// Primary returns the first owner of the partition, or nil for an unknown
// version.
func (f *Function) Primary(p int, ver cluster.TopologyVersion) *cluster.Node {
	owners := f.Nodes(p, ver)
	if len(owners) == 0 {
		return nil
	}
	return owners[0]
}

// LocalID returns the local node id the function was built for.
func (f *Function) LocalID() cluster.NodeID {
	return f.local
}
