// Package transport provides ordered, topic-addressed messaging between
// grid nodes. Messages within one topic are delivered to the registered
// handler in send order; different topics are independent streams.
package transport

import (
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// Topic kinds. A topic names one ordered stream between two nodes.
const (
	// KindDemand is the supplier-side listen topic: demand messages for a
	// sub-channel of a cache arrive here.
	KindDemand uint8 = iota + 1
	// KindSupply is the demander-side reply topic, additionally keyed by
	// the supplying node so concurrent exchanges never share a stream.
	KindSupply
	// KindDiscovery carries membership traffic.
	KindDiscovery
)

// Topic identifies an ordered message stream.
type Topic struct {
	Kind    uint8          `cbor:"k"`
	SubCh   int            `cbor:"s"`
	CacheID int            `cbor:"c"`
	Node    cluster.NodeID `cbor:"n,omitempty"`
}

// DemandTopic is the topic a supplier listens on for one sub-channel of a
// cache.
func DemandTopic(subCh, cacheID int) Topic {
	return Topic{Kind: KindDemand, SubCh: subCh, CacheID: cacheID}
}

// SupplyTopic is the reply topic a demander listens on for supply messages
// from one remote node on one sub-channel.
func SupplyTopic(subCh, cacheID int, remote cluster.NodeID) Topic {
	return Topic{Kind: KindSupply, SubCh: subCh, CacheID: cacheID, Node: remote}
}

// Handler consumes one message from an ordered topic. Handlers run on the
// topic's dispatch goroutine and must not block indefinitely.
type Handler func(from cluster.NodeID, msg any)

// Transport sends and receives topic-addressed messages.
type Transport interface {
	// SendOrdered sends a message to the node's topic. Messages sent to
	// the same (node, topic) pair are delivered in order.
	SendOrdered(node *cluster.Node, topic Topic, msg any, timeout time.Duration) error

	// AddOrderedHandler registers the handler for a topic. At most one
	// handler per topic; registering again replaces it.
	AddOrderedHandler(topic Topic, h Handler)

	// RemoveOrderedHandler unregisters the topic; queued messages for it
	// are discarded.
	RemoveOrderedHandler(topic Topic)

	Close() error
}

// Registry maps frame type bytes to message constructors. It is built at
// startup and handed to each transport; there is no process-global
// registration.
type Registry struct {
	byType   map[uint8]func() any
	byGoType map[reflect.Type]uint8
}

// NewRegistry returns an empty message registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[uint8]func() any),
		byGoType: make(map[reflect.Type]uint8),
	}
}

// Register binds a frame type byte to a message constructor. The
// constructor must return a pointer to a fresh message value.
func (r *Registry) Register(t uint8, ctor func() any) {
	if _, ok := r.byType[t]; ok {
		panic("transport: duplicate frame type registration")
	}
	r.byType[t] = ctor
	r.byGoType[reflect.TypeOf(ctor())] = t
}

func (r *Registry) typeOf(msg any) (uint8, bool) {
	t, ok := r.byGoType[reflect.TypeOf(msg)]
	return t, ok
}

func (r *Registry) newMessage(t uint8) (any, bool) {
	ctor, ok := r.byType[t]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// dispatcher owns the per-topic ordered queues shared by the TCP and local
// transports.
type dispatcher struct {
	mu     sync.RWMutex
	topics map[Topic]*topicQueue
	closed bool
}

type inbound struct {
	from cluster.NodeID
	msg  any
}

type topicQueue struct {
	ch   chan inbound
	done chan struct{}
}

const topicQueueDepth = 1024

func newDispatcher() *dispatcher {
	return &dispatcher{topics: make(map[Topic]*topicQueue)}
}

func (d *dispatcher) add(topic Topic, h Handler) {
	q := &topicQueue{
		ch:   make(chan inbound, topicQueueDepth),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if old, ok := d.topics[topic]; ok {
		close(old.done)
	}
	d.topics[topic] = q
	d.mu.Unlock()

	go func() {
		for {
			select {
			case in := <-q.ch:
				h(in.from, in.msg)
			case <-q.done:
				return
			}
		}
	}()
}

func (d *dispatcher) remove(topic Topic) {
	d.mu.Lock()
	if q, ok := d.topics[topic]; ok {
		close(q.done)
		delete(d.topics, topic)
	}
	d.mu.Unlock()
}

// deliver enqueues a message for its topic, preserving arrival order.
// Messages for unregistered topics are dropped: the demander unregisters
// its reply topics when an exchange completes and late supply messages are
// intentionally discarded.
func (d *dispatcher) deliver(topic Topic, from cluster.NodeID, msg any) {
	d.mu.RLock()
	q, ok := d.topics[topic]
	d.mu.RUnlock()

	if !ok {
		return
	}
	select {
	case q.ch <- inbound{from: from, msg: msg}:
	case <-q.done:
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	for topic, q := range d.topics {
		close(q.done)
		delete(d.topics, topic)
	}
	d.closed = true
	d.mu.Unlock()
}

// frame is the on-wire envelope: a tagged variant plus the raw body.
type frame struct {
	Type  uint8           `cbor:"t"`
	From  cluster.NodeID  `cbor:"f"`
	Topic Topic           `cbor:"to"`
	Body  cbor.RawMessage `cbor:"b"`
}

func encodeFrame(reg *Registry, from cluster.NodeID, topic Topic, msg any) ([]byte, error) {
	t, ok := reg.typeOf(msg)
	if !ok {
		return nil, gerrors.ErrNoHandler
	}
	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(frame{Type: t, From: from, Topic: topic, Body: body})
}

func decodeFrame(reg *Registry, data []byte) (cluster.NodeID, Topic, any, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return "", Topic{}, nil, err
	}
	msg, ok := reg.newMessage(f.Type)
	if !ok {
		log.Printf("transport: dropping frame with unknown type %d from %s", f.Type, f.From)
		return "", Topic{}, nil, gerrors.ErrNoHandler
	}
	if err := cbor.Unmarshal(f.Body, msg); err != nil {
		return "", Topic{}, nil, err
	}
	return f.From, f.Topic, msg, nil
}
