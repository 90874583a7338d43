package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

type testMsg struct {
	Seq int    `cbor:"s"`
	Val string `cbor:"v"`
}

const testFrameType uint8 = 0x77

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(testFrameType, func() any { return new(testMsg) })
	return reg
}

func startTCP(t *testing.T, id string, reg *Registry, cfg TCPConfig) *TCP {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	tr := NewTCP(cluster.NodeID(id), reg, cfg)
	if err := tr.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTCPOrderedDelivery(t *testing.T) {
	reg := testRegistry()
	a := startTCP(t, "a", reg, TCPConfig{})
	b := startTCP(t, "b", reg, TCPConfig{})

	topic := DemandTopic(0, 1)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.AddOrderedHandler(topic, func(from cluster.NodeID, msg any) {
		m := msg.(*testMsg)
		mu.Lock()
		got = append(got, m.Seq)
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})

	peer := &cluster.Node{ID: "b", GridAddr: b.Addr()}
	for i := 0; i < 100; i++ {
		if err := a.SendOrdered(peer, topic, &testMsg{Seq: i}, time.Second); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != i {
			t.Fatalf("out of order delivery at %d: got seq %d", i, seq)
		}
	}
}

func TestTCPUnregisteredMessageRejected(t *testing.T) {
	reg := testRegistry()
	a := startTCP(t, "a", reg, TCPConfig{})
	b := startTCP(t, "b", reg, TCPConfig{})

	peer := &cluster.Node{ID: "b", GridAddr: b.Addr()}
	type unknown struct{ X int }
	err := a.SendOrdered(peer, DemandTopic(0, 1), &unknown{X: 1}, time.Second)
	if !errors.Is(err, gerrors.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

// TestTCPOverflowGuardClosesSession drives sends into a peer that never
// reads. Once the bounded outbound queue fills, the session must close
// itself instead of buffering forever.
func TestTCPOverflowGuardClosesSession(t *testing.T) {
	reg := testRegistry()
	a := startTCP(t, "a", reg, TCPConfig{QueueLimit: 16})

	// The dial hook hands out a pipe whose read side is never drained, so
	// every write past the kernel-less pipe buffer blocks the write loop.
	var pipes []net.Conn
	var mu sync.Mutex
	a.dial = func(addr string, timeout time.Duration) (net.Conn, error) {
		client, server := net.Pipe()
		mu.Lock()
		pipes = append(pipes, server)
		mu.Unlock()
		return client, nil
	}
	defer func() {
		mu.Lock()
		for _, p := range pipes {
			p.Close()
		}
		mu.Unlock()
	}()

	peer := &cluster.Node{ID: "b", GridAddr: "stalled:1"}

	var overflowed bool
	for i := 0; i < 200; i++ {
		err := a.SendOrdered(peer, DemandTopic(0, 1), &testMsg{Seq: i}, 100*time.Millisecond)
		if errors.Is(err, gerrors.ErrSessionOverflow) {
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Fatal("overflow guard never tripped against a stalled peer")
	}
}

// TestTCPSessionSelfHeals checks that after an overflow-closed session the
// next send re-dials and traffic flows again.
func TestTCPSessionSelfHeals(t *testing.T) {
	reg := testRegistry()
	a := startTCP(t, "a", reg, TCPConfig{QueueLimit: 4})
	b := startTCP(t, "b", reg, TCPConfig{})

	// First dial lands on a stalled pipe, later dials go to the real peer.
	var mu sync.Mutex
	dials := 0
	realDial := a.dial
	a.dial = func(addr string, timeout time.Duration) (net.Conn, error) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if first {
			client, _ := net.Pipe()
			return client, nil
		}
		return realDial(addr, timeout)
	}

	topic := DemandTopic(1, 1)
	received := make(chan int, 1)
	b.AddOrderedHandler(topic, func(from cluster.NodeID, msg any) {
		received <- msg.(*testMsg).Seq
	})

	peer := &cluster.Node{ID: "b", GridAddr: b.Addr()}

	// Drive the stalled session into overflow.
	sawOverflow := false
	for i := 0; i < 100; i++ {
		if err := a.SendOrdered(peer, topic, &testMsg{Seq: i}, 50*time.Millisecond); err != nil {
			sawOverflow = true
			break
		}
	}
	if !sawOverflow {
		t.Fatal("stalled session did not overflow")
	}

	// The next send must establish a fresh session to the live peer.
	if err := a.SendOrdered(peer, topic, &testMsg{Seq: 777}, time.Second); err != nil {
		t.Fatalf("send after overflow: %v", err)
	}

	select {
	case seq := <-received:
		if seq != 777 {
			t.Fatalf("unexpected seq %d after self-heal", seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery after session self-heal")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	reg := testRegistry()
	topic := SupplyTopic(2, 7, "remote")

	data, err := encodeFrame(reg, "sender", topic, &testMsg{Seq: 42, Val: "hello"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	from, tpc, msg, err := decodeFrame(reg, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if from != "sender" {
		t.Errorf("from = %s", from)
	}
	if tpc != topic {
		t.Errorf("topic = %+v", tpc)
	}
	m := msg.(*testMsg)
	if m.Seq != 42 || m.Val != "hello" {
		t.Errorf("message = %+v", m)
	}

	// Raw CBOR with an unknown frame type is rejected.
	raw, _ := cbor.Marshal(frame{Type: 0xEE, From: "x", Topic: topic})
	if _, _, _, err := decodeFrame(reg, raw); err == nil {
		t.Error("unknown frame type not rejected")
	}
}
