package discovery

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

type MsgType uint8

const (
	MsgMeet MsgType = iota + 1
	MsgPing
	MsgPong
	MsgFail
)

// Peer state flags gossiped alongside peer info.
const (
	FlagPFail uint8 = 1 << iota
	FlagFail
)

// PeerInfo is the gossiped view of one member: its addresses, join order
// and the partitions it currently owns. MapSeq versions the partition map
// so stale gossip never rolls ownership back.
type PeerInfo struct {
	ID        cluster.NodeID `cbor:"id"`
	Addr      string         `cbor:"a"`
	GridAddr  string         `cbor:"g"`
	DiscoAddr string         `cbor:"d"`
	Order     uint64         `cbor:"o"`
	Flags     uint8          `cbor:"f,omitempty"`
	MapSeq    uint64         `cbor:"ms,omitempty"`
	Owned     []int          `cbor:"p,omitempty"`
}

func (i *PeerInfo) node() *cluster.Node {
	return &cluster.Node{ID: i.ID, Addr: i.Addr, GridAddr: i.GridAddr, Order: i.Order}
}

// Message is one discovery datagram: the sender's own info plus a random
// sample of its peer table.
type Message struct {
	Type     MsgType        `cbor:"t"`
	Sender   cluster.NodeID `cbor:"s"`
	Self     *PeerInfo      `cbor:"n,omitempty"`
	Gossip   []*PeerInfo    `cbor:"gn,omitempty"`
	FailNode cluster.NodeID `cbor:"fn,omitempty"`
}

func (m *Message) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

func Decode(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
