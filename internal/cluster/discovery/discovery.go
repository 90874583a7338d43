// Package discovery maintains cluster membership over a gossip protocol:
// peers meet, ping each other, exchange partition ownership maps and
// detect failures by quorum. Membership changes feed the exchange
// manager.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/cluster/topology"
)

const (
	// PeerTimeout is how long a peer may stay silent before it is
	// suspected.
	PeerTimeout = 15 * time.Second
	// PingInterval paces the gossip rounds.
	PingInterval = time.Second
	// FailReportValidity bounds how long a second-hand failure report
	// counts toward the quorum.
	FailReportValidity = 30 * time.Second
	// GossipFanout is how many peer entries piggyback on each ping.
	GossipFanout = 3

	maxMessageSize = 1 << 20
)

type peerState int

const (
	peerConnected peerState = iota
	peerSuspected
	peerFailed
)

// peer tracks liveness and the last seen partition map of one member.
type peer struct {
	mu        sync.RWMutex
	node      *cluster.Node
	discoAddr string
	state     peerState
	pingSent  int64
	pongRecv  int64
	mapSeq    uint64
	// failReports holds second-hand suspicion timestamps by reporter.
	failReports map[cluster.NodeID]int64
}

func (p *peer) updatePong() {
	p.mu.Lock()
	p.pongRecv = time.Now().UnixMilli()
	p.state = peerConnected
	p.mu.Unlock()
}

func (p *peer) suspect() {
	p.mu.Lock()
	if p.state == peerConnected {
		p.state = peerSuspected
	}
	p.mu.Unlock()
}

func (p *peer) markFailed() {
	p.mu.Lock()
	p.state = peerFailed
	p.mu.Unlock()
}

func (p *peer) currentState() peerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *peer) countFailReports(valid time.Duration) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now().UnixMilli()
	count := 0
	for _, ts := range p.failReports {
		if now-ts < valid.Milliseconds() {
			count++
		}
	}
	return count
}

// ExchangeNotifier receives membership transitions. Implemented by the
// exchange manager.
type ExchangeNotifier interface {
	OnNodeJoined(n *cluster.Node)
	OnNodeLeft(n *cluster.Node)
}

// Config configures discovery.
type Config struct {
	// Addr is the discovery listen address.
	Addr string
	// PingInterval overrides the gossip pace (default: 1s).
	PingInterval time.Duration
	// PeerTimeout overrides the silence threshold (default: 15s).
	PeerTimeout time.Duration
}

// Discovery is the gossip membership service of one node.
type Discovery struct {
	self      *cluster.Node
	discoAddr string
	reg       *cluster.Registry
	top       *topology.Topology
	exch      ExchangeNotifier
	cfg       Config

	peersMu sync.RWMutex
	peers   map[cluster.NodeID]*peer

	// mapSeq versions the local partition map in outgoing gossip.
	mapSeq atomic.Uint64

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a discovery service for the local node. The local node's
// Order must already be assigned.
func New(self *cluster.Node, reg *cluster.Registry, top *topology.Topology,
	exch ExchangeNotifier, cfg Config) *Discovery {

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = PingInterval
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = PeerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		self:      self,
		discoAddr: cfg.Addr,
		reg:       reg,
		top:       top,
		exch:      exch,
		cfg:       cfg,
		peers:     make(map[cluster.NodeID]*peer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins listening and gossiping.
func (d *Discovery) Start() error {
	listener, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Addr, err)
	}
	d.listener = listener
	d.discoAddr = listener.Addr().String()

	log.Printf("discovery: listening on %s", d.discoAddr)

	d.wg.Add(3)
	go d.acceptLoop()
	go d.pingLoop()
	go d.failureDetectionLoop()

	return nil
}

// Addr returns the bound discovery address.
func (d *Discovery) Addr() string {
	return d.discoAddr
}

// Stop shuts the service down.
func (d *Discovery) Stop() error {
	d.cancel()
	if d.listener != nil {
		d.listener.Close()
	}
	d.wg.Wait()
	return nil
}

// Join introduces this node to a running member's discovery address.
func (d *Discovery) Join(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	msg := &Message{Type: MsgMeet, Sender: d.self.ID, Self: d.selfInfo()}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := writeMessage(conn, data); err != nil {
		return err
	}

	respData, err := readMessage(conn)
	if err != nil {
		return err
	}
	resp, err := Decode(respData)
	if err != nil {
		return err
	}
	if resp.Type == MsgPong {
		d.applyPeerInfos(resp)
	}

	log.Printf("discovery: joined cluster via %s", addr)
	return nil
}

// BroadcastPartitionMap bumps the local map version and gossips it to all
// connected peers immediately. Wired as the exchange manager's resend
// function.
func (d *Discovery) BroadcastPartitionMap() {
	d.mapSeq.Add(1)

	for _, p := range d.connectedPeers() {
		go d.pingPeer(p)
	}
}

func (d *Discovery) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				log.Printf("discovery: accept error: %v", err)
				continue
			}
		}
		go d.handleConnection(conn)
	}
}

func (d *Discovery) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(d.cfg.PeerTimeout))

	data, err := readMessage(conn)
	if err != nil {
		return
	}
	msg, err := Decode(data)
	if err != nil {
		return
	}

	switch msg.Type {
	case MsgMeet, MsgPing:
		d.handlePing(conn, msg)
	case MsgPong:
		d.handlePong(msg)
	case MsgFail:
		d.handleFail(msg)
	}
}

func (d *Discovery) handlePing(conn net.Conn, msg *Message) {
	d.applyPeerInfos(msg)

	pong := &Message{
		Type:   MsgPong,
		Sender: d.self.ID,
		Self:   d.selfInfo(),
		Gossip: d.gossipSample(),
	}
	data, err := pong.Encode()
	if err != nil {
		return
	}
	writeMessage(conn, data)
}

func (d *Discovery) handlePong(msg *Message) {
	d.peersMu.RLock()
	p := d.peers[msg.Sender]
	d.peersMu.RUnlock()
	if p != nil {
		p.updatePong()
	}

	d.applyPeerInfos(msg)
}

func (d *Discovery) handleFail(msg *Message) {
	d.peersMu.RLock()
	p := d.peers[msg.FailNode]
	d.peersMu.RUnlock()

	if p == nil || p.currentState() == peerFailed {
		return
	}
	log.Printf("discovery: node %s declared failed by %s", msg.FailNode, msg.Sender)
	d.dropPeer(p)
}

func (d *Discovery) applyPeerInfos(msg *Message) {
	if msg.Self != nil {
		d.processPeerInfo(msg.Sender, msg.Self)
	}
	for _, info := range msg.Gossip {
		d.processPeerInfo(msg.Sender, info)
	}
}

// processPeerInfo merges one gossiped peer entry: unknown peers join the
// registry and trigger an exchange, newer partition maps update the
// topology's owner sets.
func (d *Discovery) processPeerInfo(sender cluster.NodeID, info *PeerInfo) {
	if info.ID == d.self.ID {
		return
	}
	if info.Flags&FlagFail != 0 {
		d.peersMu.RLock()
		p := d.peers[info.ID]
		d.peersMu.RUnlock()
		if p != nil && p.currentState() != peerFailed {
			d.dropPeer(p)
		}
		return
	}

	d.peersMu.Lock()
	p, known := d.peers[info.ID]
	if !known {
		p = &peer{
			node:        info.node(),
			discoAddr:   info.DiscoAddr,
			state:       peerConnected,
			pongRecv:    time.Now().UnixMilli(),
			failReports: make(map[cluster.NodeID]int64),
		}
		d.peers[info.ID] = p
	}
	d.peersMu.Unlock()

	if info.Flags&FlagPFail != 0 && sender != "" {
		// Second-hand suspicion counts toward the failure quorum.
		p.mu.Lock()
		p.failReports[sender] = time.Now().UnixMilli()
		p.mu.Unlock()
	}

	// Apply the partition map only when strictly newer. For a new member
	// this happens before the join exchange is queued, so assignment
	// computed by that exchange already sees the member's owned set.
	p.mu.Lock()
	stale := info.MapSeq <= p.mapSeq && info.MapSeq != 0
	if !stale {
		p.mapSeq = info.MapSeq
	}
	p.mu.Unlock()
	if !stale && info.Owned != nil {
		d.top.SetNodeOwned(info.ID, info.Owned)
	}

	if !known {
		log.Printf("discovery: new member %s (%s, order %d)", info.ID, info.GridAddr, info.Order)
		d.reg.Add(p.node)
		d.exch.OnNodeJoined(p.node)
	}
}

// dropPeer removes a failed member from the peer table and the registry
// and reports it to the exchange manager.
func (d *Discovery) dropPeer(p *peer) {
	p.markFailed()

	d.peersMu.Lock()
	delete(d.peers, p.node.ID)
	d.peersMu.Unlock()

	d.reg.Remove(p.node.ID)
	d.exch.OnNodeLeft(p.node)
}

func (d *Discovery) pingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.pingRandomPeer()
		}
	}
}

func (d *Discovery) pingRandomPeer() {
	var candidates []*peer
	now := time.Now().UnixMilli()

	d.peersMu.RLock()
	for _, p := range d.peers {
		p.mu.RLock()
		due := now-p.pingSent > d.cfg.PingInterval.Milliseconds()
		p.mu.RUnlock()
		if due {
			candidates = append(candidates, p)
		}
	}
	d.peersMu.RUnlock()

	if len(candidates) == 0 {
		return
	}
	d.pingPeer(candidates[rand.Intn(len(candidates))])
}

func (d *Discovery) pingPeer(p *peer) {
	p.mu.RLock()
	addr := p.discoAddr
	p.mu.RUnlock()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()

	p.mu.Lock()
	p.pingSent = time.Now().UnixMilli()
	p.mu.Unlock()

	msg := &Message{
		Type:   MsgPing,
		Sender: d.self.ID,
		Self:   d.selfInfo(),
		Gossip: d.gossipSample(),
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if err := writeMessage(conn, data); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	respData, err := readMessage(conn)
	if err != nil {
		return
	}
	resp, err := Decode(respData)
	if err != nil {
		return
	}
	if resp.Type == MsgPong {
		d.handlePong(resp)
	}
}

func (d *Discovery) failureDetectionLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.checkPeerFailures()
		}
	}
}

func (d *Discovery) checkPeerFailures() {
	now := time.Now().UnixMilli()
	timeout := d.cfg.PeerTimeout.Milliseconds()

	var failed []*peer

	d.peersMu.RLock()
	total := len(d.peers) + 1
	for _, p := range d.peers {
		p.mu.RLock()
		state := p.state
		pongRecv := p.pongRecv
		p.mu.RUnlock()

		if state == peerConnected && now-pongRecv > timeout {
			p.suspect()
			log.Printf("discovery: suspecting node %s", p.node.ID)
			state = peerSuspected
		}

		if state == peerSuspected {
			// Own silence observation plus second-hand reports must reach
			// a majority before the node is declared failed.
			reports := p.countFailReports(FailReportValidity) + 1
			if reports >= total/2+1 {
				failed = append(failed, p)
			}
		}
	}
	d.peersMu.RUnlock()

	for _, p := range failed {
		log.Printf("discovery: node %s declared failed", p.node.ID)
		go d.broadcastFail(p.node.ID)
		d.dropPeer(p)
	}
}

func (d *Discovery) broadcastFail(failID cluster.NodeID) {
	msg := &Message{Type: MsgFail, Sender: d.self.ID, FailNode: failID}
	data, err := msg.Encode()
	if err != nil {
		return
	}

	for _, p := range d.connectedPeers() {
		go func(addr string) {
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			writeMessage(conn, data)
		}(p.discoAddr)
	}
}

func (d *Discovery) connectedPeers() []*peer {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()

	var out []*peer
	for _, p := range d.peers {
		if p.currentState() == peerConnected {
			out = append(out, p)
		}
	}
	return out
}

func (d *Discovery) selfInfo() *PeerInfo {
	return &PeerInfo{
		ID:        d.self.ID,
		Addr:      d.self.Addr,
		GridAddr:  d.self.GridAddr,
		DiscoAddr: d.discoAddr,
		Order:     d.self.Order,
		MapSeq:    d.mapSeq.Load(),
		Owned:     d.top.LocalOwned(),
	}
}

func (d *Discovery) gossipSample() []*PeerInfo {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()

	var infos []*PeerInfo
	for _, p := range d.peers {
		p.mu.RLock()
		var flags uint8
		switch p.state {
		case peerSuspected:
			flags |= FlagPFail
		case peerFailed:
			flags |= FlagFail
		}
		infos = append(infos, &PeerInfo{
			ID:        p.node.ID,
			Addr:      p.node.Addr,
			GridAddr:  p.node.GridAddr,
			DiscoAddr: p.discoAddr,
			Order:     p.node.Order,
			Flags:     flags,
		})
		p.mu.RUnlock()
	}

	if len(infos) > GossipFanout {
		rand.Shuffle(len(infos), func(i, j int) {
			infos[i], infos[j] = infos[j], infos[i]
		})
		infos = infos[:GossipFanout]
	}
	return infos
}

func writeMessage(conn net.Conn, data []byte) error {
	buf := make([]byte, 4+len(data))
	length := uint32(len(data))
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
	copy(buf[4:], data)

	_, err := conn.Write(buf)
	return err
}

func readMessage(conn net.Conn) ([]byte, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lengthBuf); err != nil {
		return nil, err
	}
	length := uint32(lengthBuf[0])<<24 | uint32(lengthBuf[1])<<16 |
		uint32(lengthBuf[2])<<8 | uint32(lengthBuf[3])
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}
