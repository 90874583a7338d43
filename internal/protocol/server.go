// Package protocol exposes the grid over the Redis serialization protocol
// so any RESP client can be used against it.
package protocol

import (
	"log"
	"net"
	"sync"

	"github.com/tidwall/redcon"

	"github.com/akuznetsov-gridgain/ignite/internal/grid"
)

// Server is the RESP front-end of one grid node.
type Server struct {
	addr    string
	handler *Handler

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener
}

// NewServer creates a RESP server bound to a grid node.
func NewServer(addr string, g *grid.Grid) *Server {
	return &Server{
		addr:    addr,
		handler: NewHandler(g),
	}
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	log.Printf("protocol: serving RESP on %s", s.addr)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr, s.handleCommand, s.handleAccept, s.handleClose)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

// Stop closes the server.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	s.handler.Execute(conn, cmd)
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
}
