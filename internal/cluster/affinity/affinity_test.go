package affinity

import (
	"testing"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

func members(ids ...cluster.NodeID) []*cluster.Node {
	out := make([]*cluster.Node, len(ids))
	for i, id := range ids {
		out[i] = &cluster.Node{ID: id, Order: uint64(i + 1)}
	}
	return out
}

func TestPartitionForKeyIsStable(t *testing.T) {
	f := New("n1", Config{Partitions: 64, Backups: 1})

	for _, key := range []string{"a", "user:42", ""} {
		p := f.PartitionForKey(key)
		if p < 0 || p >= 64 {
			t.Fatalf("partition for %q out of range: %d", key, p)
		}
		if f.PartitionForKey(key) != p {
			t.Fatalf("partition for %q not stable", key)
		}
	}
}

func TestNodesPrimaryFirstThenBackups(t *testing.T) {
	f := New("n1", Config{Partitions: 16, Backups: 1})
	ver := cluster.TopologyVersion{Major: 1}
	f.UpdateSnapshot(ver, members("n1", "n2", "n3"))

	for p := 0; p < 16; p++ {
		owners := f.Nodes(p, ver)
		if len(owners) != 2 {
			t.Fatalf("partition %d: %d owners", p, len(owners))
		}
		if owners[0] == owners[1] {
			t.Fatalf("partition %d: backup equals primary", p)
		}
		if f.Primary(p, ver) != owners[0] {
			t.Fatalf("partition %d: primary mismatch", p)
		}
	}
}

func TestNodesCappedByMembership(t *testing.T) {
	f := New("n1", Config{Partitions: 4, Backups: 2})
	ver := cluster.TopologyVersion{Major: 1}
	f.UpdateSnapshot(ver, members("n1"))

	owners := f.Nodes(0, ver)
	if len(owners) != 1 || owners[0].ID != "n1" {
		t.Fatalf("owners = %v", owners)
	}
}

func TestNodesUnknownVersion(t *testing.T) {
	f := New("n1", DefaultConfig())
	if got := f.Nodes(0, cluster.TopologyVersion{Major: 9}); got != nil {
		t.Fatalf("owners at unknown version = %v", got)
	}
	if f.Primary(0, cluster.TopologyVersion{Major: 9}) != nil {
		t.Fatal("primary at unknown version")
	}
}

func TestLocalNode(t *testing.T) {
	f := New("n2", Config{Partitions: 8, Backups: 0})
	ver := cluster.TopologyVersion{Major: 1}
	f.UpdateSnapshot(ver, members("n1", "n2"))

	local := 0
	for p := 0; p < 8; p++ {
		if f.LocalNode(p, ver) {
			local++
		}
	}
	// With no backups each partition has exactly one owner, so the two
	// nodes split the eight partitions evenly.
	if local != 4 {
		t.Fatalf("local partitions = %d", local)
	}
}

func TestSnapshotHistoryEviction(t *testing.T) {
	f := New("n1", Config{Partitions: 4, Backups: 0})

	for i := int64(1); i <= snapshotHistory+1; i++ {
		f.UpdateSnapshot(cluster.TopologyVersion{Major: i}, members("n1"))
	}

	if f.Nodes(0, cluster.TopologyVersion{Major: 1}) != nil {
		t.Fatal("oldest snapshot not evicted")
	}
	if f.Nodes(0, cluster.TopologyVersion{Major: 2}) == nil {
		t.Fatal("retained snapshot missing")
	}
}
