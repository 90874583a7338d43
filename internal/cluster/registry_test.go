package cluster

import "testing"

func TestRegistryJoinOrder(t *testing.T) {
	r := NewRegistry()
	r.Add(&Node{ID: "c", Order: 30})
	r.Add(&Node{ID: "a", Order: 10})
	r.Add(&Node{ID: "b", Order: 20})

	nodes := r.Nodes()
	if len(nodes) != 3 {
		t.Fatalf("len = %d", len(nodes))
	}
	for i, want := range []NodeID{"a", "b", "c"} {
		if nodes[i].ID != want {
			t.Fatalf("nodes[%d] = %s, want %s", i, nodes[i].ID, want)
		}
	}
	if r.MaxOrder() != 30 {
		t.Fatalf("MaxOrder = %d", r.MaxOrder())
	}
}

func TestRegistryReplaceKeepsOrder(t *testing.T) {
	r := NewRegistry()
	r.Add(&Node{ID: "a", Order: 10, GridAddr: "old:1"})
	r.Add(&Node{ID: "a", Order: 99, GridAddr: "new:1"})

	if r.Size() != 1 {
		t.Fatalf("size = %d", r.Size())
	}
	n := r.Get("a")
	if n.Order != 10 {
		t.Fatalf("order = %d", n.Order)
	}
	if n.GridAddr != "new:1" {
		t.Fatalf("addr = %s", n.GridAddr)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Add(&Node{ID: "a", Order: 10})

	if n := r.Remove("a"); n == nil || n.ID != "a" {
		t.Fatalf("removed = %v", n)
	}
	if r.Remove("a") != nil {
		t.Fatal("second remove returned a node")
	}
	if r.Contains("a") || r.Size() != 0 {
		t.Fatal("node still registered")
	}
	if r.MaxOrder() != 0 {
		t.Fatalf("MaxOrder = %d", r.MaxOrder())
	}
}

func TestTopologyVersionOrdering(t *testing.T) {
	cases := []struct {
		a, b TopologyVersion
		cmp  int
	}{
		{TopologyVersion{Major: 1}, TopologyVersion{Major: 2}, -1},
		{TopologyVersion{Major: 2, Minor: 5}, TopologyVersion{Major: 2, Minor: 5}, 0},
		{TopologyVersion{Major: 2, Minor: 1}, TopologyVersion{Major: 2}, 1},
		{TopologyVersion{Major: 3}, TopologyVersion{Major: 2, Minor: 9}, 1},
	}
	for _, c := range cases {
		if got := c.a.Compare(c.b); got != c.cmp {
			t.Errorf("%s.Compare(%s) = %d, want %d", c.a, c.b, got, c.cmp)
		}
	}

	if !(TopologyVersion{Major: 2}).After(TopologyVersion{Major: 1, Minor: 7}) {
		t.Error("After false for newer major")
	}
	if (TopologyVersion{Major: 1}).After(TopologyVersion{Major: 1}) {
		t.Error("After true for equal versions")
	}
}

func TestGenerateNodeID(t *testing.T) {
	a, b := GenerateNodeID(), GenerateNodeID()
	if a == b {
		t.Fatal("ids collide")
	}
	if len(a) != 40 {
		t.Fatalf("id length = %d", len(a))
	}
}
