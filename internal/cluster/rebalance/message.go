// Package rebalance implements the partition rebalancing core: assignment
// computation, the demand worker pool pulling partition data from remote
// owners, and the supply side answering demands with batched entries.
package rebalance

import (
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/engine"
	"github.com/akuznetsov-gridgain/ignite/internal/transport"
)

// Frame types for the rebalance protocol.
const (
	// FrameDemand tags DemandMessage on the wire.
	FrameDemand uint8 = 0x10
	// FrameSupply tags SupplyMessage on the wire.
	FrameSupply uint8 = 0x11
)

// RegisterMessages binds the rebalance protocol messages to a transport
// registry.
func RegisterMessages(reg *transport.Registry) {
	reg.Register(FrameDemand, func() any { return new(DemandMessage) })
	reg.Register(FrameSupply, func() any { return new(SupplyMessage) })
}

// DemandMessage asks a remote owner for the current contents of a set of
// partitions as of a topology version. An empty partition set is a
// continuation: it acknowledges the previous supply batch and requests the
// next one on the same reply topic.
type DemandMessage struct {
	// UpdateSeq is the demander's topology update sequence at send time.
	UpdateSeq int64 `cbor:"us"`
	// Parts is the requested partition set; empty for continuations.
	Parts []int `cbor:"p,omitempty"`
	// TopVer is the topology version the demand was computed for.
	TopVer cluster.TopologyVersion `cbor:"tv"`
	// TimeoutMs bounds the whole exchange for this message.
	TimeoutMs int64 `cbor:"to"`
	// WorkerID identifies the demand worker driving the exchange.
	WorkerID int `cbor:"w"`
	// CacheID identifies the cache being rebalanced.
	CacheID int `cbor:"c"`
	// ReplyTo is the ordered topic supply messages must be sent to.
	ReplyTo transport.Topic `cbor:"rt"`
}

// Timeout returns the message timeout as a duration.
func (d *DemandMessage) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// clone copies the message metadata with a different partition set.
func (d *DemandMessage) clone(parts []int) *DemandMessage {
	return &DemandMessage{
		UpdateSeq: d.UpdateSeq,
		Parts:     parts,
		TopVer:    d.TopVer,
		TimeoutMs: d.TimeoutMs,
		WorkerID:  d.WorkerID,
		CacheID:   d.CacheID,
	}
}

// EntryInfo is one cache entry on the wire.
type EntryInfo struct {
	Key      string `cbor:"k"`
	Value    []byte `cbor:"v"`
	Version  uint64 `cbor:"ver"`
	TTLMs    int64  `cbor:"ttl,omitempty"`
	ExpireAt int64  `cbor:"exp,omitempty"` // unix nanos, 0 = never
}

func entryInfoOf(e *engine.Entry) EntryInfo {
	info := EntryInfo{
		Key:     e.Key,
		Value:   e.Value,
		Version: e.Version,
		TTLMs:   e.TTL.Milliseconds(),
	}
	if !e.ExpireAt.IsZero() {
		info.ExpireAt = e.ExpireAt.UnixNano()
	}
	return info
}

func (i *EntryInfo) toEntry() *engine.Entry {
	e := &engine.Entry{
		Key:     i.Key,
		Value:   i.Value,
		Version: i.Version,
		TTL:     time.Duration(i.TTLMs) * time.Millisecond,
	}
	if i.ExpireAt != 0 {
		e.ExpireAt = time.Unix(0, i.ExpireAt)
	}
	return e
}

// SupplyMessage answers a demand with one batch of partition entries. A
// single demand is typically answered by several supply messages; the Last
// marker per partition signals that no more data is coming for it.
type SupplyMessage struct {
	// CacheID identifies the cache being rebalanced.
	CacheID int `cbor:"c"`
	// TopVer echoes the demand's topology version.
	TopVer cluster.TopologyVersion `cbor:"tv"`
	// Infos carries the entries per partition in this batch.
	Infos map[int][]EntryInfo `cbor:"i,omitempty"`
	// Last lists partitions fully drained by this batch.
	Last []int `cbor:"l,omitempty"`
	// Missed lists requested partitions the responder no longer owns.
	Missed []int `cbor:"m,omitempty"`
	// Err carries a supplier-side decode error; such a batch is dropped
	// by the demander and not retried within the round.
	Err string `cbor:"e,omitempty"`
}

// IsLast reports whether the batch is the last one for the partition.
func (s *SupplyMessage) IsLast(p int) bool {
	for _, lp := range s.Last {
		if lp == p {
			return true
		}
	}
	return false
}

// partitions returns the union of partitions referenced by the batch body
// (entries and last markers). A drained empty partition appears only in
// Last.
func (s *SupplyMessage) partitions() []int {
	seen := make(map[int]struct{}, len(s.Infos)+len(s.Last))
	out := make([]int, 0, len(s.Infos)+len(s.Last))
	for p := range s.Infos {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range s.Last {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
