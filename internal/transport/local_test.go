package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

func TestLocalHubOrderedDelivery(t *testing.T) {
	hub := NewLocalHub(testRegistry())
	a := hub.Transport("a")
	b := hub.Transport("b")

	topic := DemandTopic(0, 1)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.AddOrderedHandler(topic, func(from cluster.NodeID, msg any) {
		mu.Lock()
		got = append(got, msg.(*testMsg).Seq)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})

	peer := &cluster.Node{ID: "b"}
	for i := 0; i < 50; i++ {
		if err := a.SendOrdered(peer, topic, &testMsg{Seq: i}, time.Second); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != i {
			t.Fatalf("out of order at %d: seq %d", i, seq)
		}
	}
}

func TestLocalHubTopicsAreIndependent(t *testing.T) {
	hub := NewLocalHub(testRegistry())
	a := hub.Transport("a")
	b := hub.Transport("b")

	demand := DemandTopic(0, 1)
	supply := SupplyTopic(0, 1, "a")

	gotDemand := make(chan int, 1)
	gotSupply := make(chan int, 1)
	b.AddOrderedHandler(demand, func(from cluster.NodeID, msg any) {
		gotDemand <- msg.(*testMsg).Seq
	})
	b.AddOrderedHandler(supply, func(from cluster.NodeID, msg any) {
		gotSupply <- msg.(*testMsg).Seq
	})

	peer := &cluster.Node{ID: "b"}
	if err := a.SendOrdered(peer, supply, &testMsg{Seq: 2}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := a.SendOrdered(peer, demand, &testMsg{Seq: 1}, time.Second); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case seq := <-gotDemand:
			if seq != 1 {
				t.Fatalf("demand topic got seq %d", seq)
			}
		case seq := <-gotSupply:
			if seq != 2 {
				t.Fatalf("supply topic got seq %d", seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
	}
}

func TestLocalHubDisconnectedPeerFailsSend(t *testing.T) {
	hub := NewLocalHub(testRegistry())
	a := hub.Transport("a")
	hub.Transport("b")

	hub.Disconnect("b")

	err := a.SendOrdered(&cluster.Node{ID: "b"}, DemandTopic(0, 1), &testMsg{Seq: 1}, time.Second)
	if !errors.Is(err, gerrors.ErrNodeLeft) {
		t.Fatalf("expected ErrNodeLeft, got %v", err)
	}
}

func TestLocalHubFilterDropsFrames(t *testing.T) {
	hub := NewLocalHub(testRegistry())
	a := hub.Transport("a")
	b := hub.Transport("b")

	topic := DemandTopic(0, 1)
	received := make(chan int, 2)
	b.AddOrderedHandler(topic, func(from cluster.NodeID, msg any) {
		received <- msg.(*testMsg).Seq
	})

	hub.Filter = func(to cluster.NodeID, tpc Topic, msg any) bool {
		return msg.(*testMsg).Seq != 1
	}

	peer := &cluster.Node{ID: "b"}
	if err := a.SendOrdered(peer, topic, &testMsg{Seq: 1}, time.Second); err != nil {
		t.Fatalf("dropped send should not error: %v", err)
	}
	if err := a.SendOrdered(peer, topic, &testMsg{Seq: 2}, time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case seq := <-received:
		if seq != 2 {
			t.Fatalf("filtered frame delivered: seq %d", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving frame not delivered")
	}
}

func TestRemoveOrderedHandlerDiscardsQueued(t *testing.T) {
	hub := NewLocalHub(testRegistry())
	a := hub.Transport("a")
	b := hub.Transport("b")

	topic := DemandTopic(3, 1)
	received := make(chan int, 8)
	b.AddOrderedHandler(topic, func(from cluster.NodeID, msg any) {
		received <- msg.(*testMsg).Seq
	})
	b.RemoveOrderedHandler(topic)

	peer := &cluster.Node{ID: "b"}
	if err := a.SendOrdered(peer, topic, &testMsg{Seq: 1}, time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case seq := <-received:
		t.Fatalf("delivery to removed handler: seq %d", seq)
	case <-time.After(200 * time.Millisecond):
	}
}
