package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
)

type recordingNotifier struct {
	mu     sync.Mutex
	joined []cluster.NodeID
	left   []cluster.NodeID
}

func (r *recordingNotifier) OnNodeJoined(n *cluster.Node) {
	r.mu.Lock()
	r.joined = append(r.joined, n.ID)
	r.mu.Unlock()
}

func (r *recordingNotifier) OnNodeLeft(n *cluster.Node) {
	r.mu.Lock()
	r.left = append(r.left, n.ID)
	r.mu.Unlock()
}

func (r *recordingNotifier) joinedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.joined)
}

func (r *recordingNotifier) leftCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.left)
}

func newDisco(id cluster.NodeID, order uint64) (*Discovery, *cluster.Registry, *topology.Topology, *recordingNotifier) {
	self := &cluster.Node{ID: id, GridAddr: "grid:" + string(id), Order: order}
	reg := cluster.NewRegistry()
	top := topology.New(id)
	notifier := &recordingNotifier{}
	d := New(self, reg, top, notifier, Config{Addr: "127.0.0.1:0"})
	return d, reg, top, notifier
}

func TestMessageCodecRoundTrip(t *testing.T) {
	msg := &Message{
		Type:   MsgPing,
		Sender: "n1",
		Self: &PeerInfo{
			ID:        "n1",
			Addr:      "c:1",
			GridAddr:  "g:1",
			DiscoAddr: "d:1",
			Order:     7,
			MapSeq:    3,
			Owned:     []int{0, 2, 4},
		},
		Gossip: []*PeerInfo{
			{ID: "n2", Order: 8, Flags: FlagPFail},
		},
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != MsgPing || got.Sender != "n1" {
		t.Fatalf("header = %+v", got)
	}
	if got.Self.MapSeq != 3 || len(got.Self.Owned) != 3 {
		t.Fatalf("self = %+v", got.Self)
	}
	if len(got.Gossip) != 1 || got.Gossip[0].Flags != FlagPFail {
		t.Fatalf("gossip = %+v", got.Gossip)
	}
}

func TestMessageFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("framed")
	go writeMessage(client, payload)

	got, err := readMessage(server)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "framed" {
		t.Fatalf("payload = %q", got)
	}

	// Oversized length prefix is rejected without allocating.
	go server.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := readMessage(client); err == nil {
		t.Fatal("oversized message accepted")
	}
}

func TestProcessPeerInfoJoinsOnce(t *testing.T) {
	d, reg, _, notifier := newDisco("n1", 1)

	info := &PeerInfo{ID: "n2", GridAddr: "g:2", DiscoAddr: "d:2", Order: 2}
	d.processPeerInfo("n2", info)
	d.processPeerInfo("n2", info)

	if !reg.Contains("n2") {
		t.Fatal("member not registered")
	}
	if notifier.joinedCount() != 1 {
		t.Fatalf("join notifications = %d", notifier.joinedCount())
	}
	if reg.Get("n2").Order != 2 {
		t.Fatalf("order = %d", reg.Get("n2").Order)
	}
}

func TestProcessPeerInfoIgnoresSelf(t *testing.T) {
	d, reg, _, notifier := newDisco("n1", 1)

	d.processPeerInfo("n2", &PeerInfo{ID: "n1", Order: 1})

	if reg.Contains("n1") || notifier.joinedCount() != 0 {
		t.Fatal("self gossip processed")
	}
}

func TestPartitionMapStaleSeqIgnored(t *testing.T) {
	d, _, top, _ := newDisco("n1", 1)
	ver := cluster.TopologyVersion{Major: 1}
	top.SetVersion(ver)

	d.processPeerInfo("n2", &PeerInfo{ID: "n2", Order: 2, MapSeq: 2, Owned: []int{1, 2}})
	if got := top.Owners(1, ver); len(got) != 1 {
		t.Fatalf("owners(1) = %v", got)
	}

	// An older map must not roll ownership back.
	d.processPeerInfo("n2", &PeerInfo{ID: "n2", Order: 2, MapSeq: 1, Owned: []int{9}})
	if got := top.Owners(9, ver); len(got) != 0 {
		t.Fatalf("stale map applied: owners(9) = %v", got)
	}
	if got := top.Owners(1, ver); len(got) != 1 {
		t.Fatalf("owners(1) after stale gossip = %v", got)
	}

	d.processPeerInfo("n2", &PeerInfo{ID: "n2", Order: 2, MapSeq: 3, Owned: []int{9}})
	if got := top.Owners(9, ver); len(got) != 1 {
		t.Fatalf("newer map not applied: owners(9) = %v", got)
	}
	if got := top.Owners(1, ver); len(got) != 0 {
		t.Fatalf("replaced map kept old partition: owners(1) = %v", got)
	}
}

func TestFailFlagDropsPeer(t *testing.T) {
	d, reg, _, notifier := newDisco("n1", 1)

	d.processPeerInfo("n2", &PeerInfo{ID: "n2", Order: 2})
	if !reg.Contains("n2") {
		t.Fatal("member not registered")
	}

	d.processPeerInfo("n3", &PeerInfo{ID: "n2", Order: 2, Flags: FlagFail})

	if reg.Contains("n2") {
		t.Fatal("failed member still registered")
	}
	if notifier.leftCount() != 1 {
		t.Fatalf("leave notifications = %d", notifier.leftCount())
	}

	// A second fail report for the same node is a no-op.
	d.processPeerInfo("n4", &PeerInfo{ID: "n2", Order: 2, Flags: FlagFail})
	if notifier.leftCount() != 1 {
		t.Fatalf("duplicate leave notifications = %d", notifier.leftCount())
	}
}

func TestFailureNeedsQuorum(t *testing.T) {
	d, reg, _, notifier := newDisco("n1", 1)

	// Four members total: the local observation plus two second-hand
	// reports reach the majority of three.
	for _, id := range []cluster.NodeID{"n2", "n3", "n4"} {
		d.processPeerInfo(id, &PeerInfo{ID: id, Order: 2})
	}

	d.peersMu.RLock()
	p := d.peers["n2"]
	d.peersMu.RUnlock()

	// Silent past the timeout: suspected but not yet failed.
	p.mu.Lock()
	p.pongRecv = time.Now().Add(-time.Hour).UnixMilli()
	p.mu.Unlock()

	d.checkPeerFailures()
	if !reg.Contains("n2") {
		t.Fatal("failed without quorum")
	}
	if p.currentState() != peerSuspected {
		t.Fatal("silent peer not suspected")
	}

	// One second-hand report is still short of the majority.
	d.processPeerInfo("n3", &PeerInfo{ID: "n2", Order: 2, Flags: FlagPFail})
	d.checkPeerFailures()
	if !reg.Contains("n2") {
		t.Fatal("failed with a single report")
	}

	d.processPeerInfo("n4", &PeerInfo{ID: "n2", Order: 2, Flags: FlagPFail})
	d.checkPeerFailures()
	if reg.Contains("n2") {
		t.Fatal("quorum reached but member kept")
	}
	if notifier.leftCount() != 1 {
		t.Fatalf("leave notifications = %d", notifier.leftCount())
	}
}

func TestJoinHandshake(t *testing.T) {
	d1, reg1, _, n1 := newDisco("n1", 1)
	d2, reg2, _, n2 := newDisco("n2", 2)

	if err := d1.Start(); err != nil {
		t.Fatal(err)
	}
	defer d1.Stop()
	if err := d2.Start(); err != nil {
		t.Fatal(err)
	}
	defer d2.Stop()

	if err := d2.Join(d1.discoAddr); err != nil {
		t.Fatalf("join: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reg1.Contains("n2") && reg2.Contains("n1") {
			if n1.joinedCount() != 1 || n2.joinedCount() != 1 {
				t.Fatalf("join notifications: %d / %d", n1.joinedCount(), n2.joinedCount())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("handshake incomplete: reg1 has n2 = %t, reg2 has n1 = %t",
		reg1.Contains("n2"), reg2.Contains("n1"))
}
