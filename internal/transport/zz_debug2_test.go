package transport

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

func TestZZDebugSenderBytes(t *testing.T) {
	reg := testRegistry()
	a := startTCP(t, "a", reg, TCPConfig{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	gotBytes := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := c.Read(buf)
		gotBytes <- buf[:n]
	}()

	peer := &cluster.Node{ID: "b", GridAddr: ln.Addr().String()}
	topic := DemandTopic(0, 1)
	if err := a.SendOrdered(peer, topic, &testMsg{Seq: 7}, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case bs := <-gotBytes:
		fmt.Printf("wire bytes (%d): % x\n", len(bs), bs)
	case <-time.After(3 * time.Second):
		t.Fatal("no bytes arrived at listener")
	}
}
