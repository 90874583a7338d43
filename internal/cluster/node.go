// Package cluster defines node identity, topology version stamps and the
// join-ordered node registry shared by discovery, affinity and rebalancing.
package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NodeID uniquely identifies a grid node for its lifetime. A restarted
// process gets a fresh id unless one is configured explicitly.
type NodeID string

// Node describes a single cluster member.
type Node struct {
	ID NodeID

	// Addr is the client-facing address (RESP front-end).
	Addr string

	// GridAddr is the inter-node address (transport + discovery).
	GridAddr string

	// Order is the cluster-wide join order. Nodes that joined later carry
	// a higher order. Used to rank supply candidates toward the newest
	// available copies.
	Order uint64
}

func (n *Node) String() string {
	return fmt.Sprintf("Node[id=%s, grid=%s, order=%d]", n.ID, n.GridAddr, n.Order)
}

// Clone returns a copy of the node descriptor.
func (n *Node) Clone() *Node {
	c := *n
	return &c
}

// GenerateNodeID returns a random 160-bit hex node id.
func GenerateNodeID() NodeID {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return NodeID(hex.EncodeToString(buf))
}
