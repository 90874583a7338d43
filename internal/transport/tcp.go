package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
	"github.com/akuznetsov-gridgain/ignite/internal/metrics"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// maxFrameSize bounds a single wire frame. Supply batches are sized well
// below this by the supplier.
const maxFrameSize = 64 << 20

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// Addr is the listen address for inter-node traffic.
	Addr string
	// QueueLimit is the per-peer outbound queue depth. When a peer stops
	// draining and the queue fills up, the session self-closes instead of
	// growing without bound (default: 128).
	QueueLimit int
	// DialTimeout bounds session establishment (default: 5s).
	DialTimeout time.Duration
	// WriteTimeout bounds a single frame write (default: 10s).
	WriteTimeout time.Duration
}

// DefaultTCPConfig returns sensible defaults.
func DefaultTCPConfig(addr string) TCPConfig {
	return TCPConfig{
		Addr:         addr,
		QueueLimit:   128,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// TCP is the production transport: length-prefixed CBOR frames over
// per-peer TCP sessions with a bounded outbound queue.
type TCP struct {
	self cluster.NodeID
	cfg  TCPConfig
	reg  *Registry
	disp *dispatcher

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	// dial is a test hook; defaults to net.DialTimeout.
	dial func(addr string, timeout time.Duration) (net.Conn, error)
}

// NewTCP creates a TCP transport. Start must be called before use.
func NewTCP(self cluster.NodeID, reg *Registry, cfg TCPConfig) *TCP {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 128
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &TCP{
		self:     self,
		cfg:      cfg,
		reg:      reg,
		disp:     newDispatcher(),
		sessions: make(map[string]*session),
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

// Start begins accepting inter-node connections.
func (t *TCP) Start() error {
	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.cfg.Addr, err)
	}
	t.ln = ln

	log.Printf("transport: listening on %s", ln.Addr())

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (t *TCP) Addr() string {
	if t.ln == nil {
		return t.cfg.Addr
	}
	return t.ln.Addr().String()
}

// AddOrderedHandler implements Transport.
func (t *TCP) AddOrderedHandler(topic Topic, h Handler) {
	t.disp.add(topic, h)
}

// RemoveOrderedHandler implements Transport.
func (t *TCP) RemoveOrderedHandler(topic Topic) {
	t.disp.remove(topic)
}

// SendOrdered implements Transport. The first send to a peer establishes a
// session; a session closed by the overflow guard is replaced on the next
// send, which lets an exchange self-heal after transient backpressure.
func (t *TCP) SendOrdered(node *cluster.Node, topic Topic, msg any, timeout time.Duration) error {
	data, err := encodeFrame(t.reg, t.self, topic, msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s, err := t.session(node.GridAddr, timeout)
	if err != nil {
		return fmt.Errorf("session to %s: %w", node.GridAddr, err)
	}

	if err := s.send(data); err != nil {
		t.dropSession(node.GridAddr, s)
		return fmt.Errorf("send to %s: %w", node.GridAddr, err)
	}
	return nil
}

// Close shuts the transport down. In-flight sessions are closed without
// draining.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if t.ln != nil {
		t.ln.Close()
	}
	t.disp.close()
	t.wg.Wait()
	return nil
}

func (t *TCP) session(addr string, timeout time.Duration) (*session, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, gerrors.ErrClosed
	}
	if s, ok := t.sessions[addr]; ok && !s.isClosed() {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	dialTimeout := t.cfg.DialTimeout
	if timeout > 0 && timeout < dialTimeout {
		dialTimeout = timeout
	}
	conn, err := t.dial(addr, dialTimeout)
	if err != nil {
		return nil, err
	}

	s := newSession(conn, t.cfg.QueueLimit, t.cfg.WriteTimeout)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.close()
		return nil, gerrors.ErrClosed
	}
	if cur, ok := t.sessions[addr]; ok && !cur.isClosed() {
		// Lost the race; keep the established session.
		t.mu.Unlock()
		s.close()
		return cur, nil
	}
	t.sessions[addr] = s
	t.mu.Unlock()
	return s, nil
}

func (t *TCP) dropSession(addr string, s *session) {
	s.close()
	t.mu.Lock()
	if cur, ok := t.sessions[addr]; ok && cur == s {
		delete(t.sessions, addr)
	}
	t.mu.Unlock()
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			log.Printf("transport: accept error: %v", err)
			continue
		}
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		data, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Printf("transport: read error from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		from, topic, msg, err := decodeFrame(t.reg, data)
		if err != nil {
			continue
		}
		t.disp.deliver(topic, from, msg)
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// session is a one-way outbound stream to a peer. Frames are enqueued
// non-blocking; a full queue means the peer is not draining and the session
// closes itself rather than buffer indefinitely.
type session struct {
	conn net.Conn
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	writeTO   time.Duration
}

func newSession(conn net.Conn, queue int, writeTO time.Duration) *session {
	s := &session{
		conn:    conn,
		out:     make(chan []byte, queue),
		done:    make(chan struct{}),
		writeTO: writeTO,
	}
	go s.writeLoop()
	return s
}

func (s *session) send(data []byte) error {
	select {
	case <-s.done:
		return gerrors.ErrClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return gerrors.ErrClosed
	default:
		// Queue overflow guard: the peer has stopped draining.
		log.Printf("transport: outbound queue full (%d frames), closing session to %s",
			cap(s.out), s.conn.RemoteAddr())
		metrics.TransportSessionOverflows.Inc()
		s.close()
		return gerrors.ErrSessionOverflow
	}
}

func (s *session) writeLoop() {
	var lenBuf [binary.MaxVarintLen64]byte
	for {
		select {
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTO))
			n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
			if _, err := s.conn.Write(lenBuf[:n]); err != nil {
				s.close()
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
