package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/wire"
)

// DefaultHandshakeTimeout bounds the wait for a node's ready message.
const DefaultHandshakeTimeout = 10 * time.Second

// Registrar receives the invokers of connected nodes; the dispatcher
// implements it.
type Registrar interface {
	RegisterInvoker(inv executor.Invoker) error
}

// Server accepts node connections on listeners and gRPC streams, performs
// the ready handshake and registers each node with the dispatcher.
type Server struct {
	reg              Registrar
	codec            wire.Codec
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	nodes     map[*Invoker]time.Time
	closed    bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithNodeWriteTimeout sets the write timeout of every node connection,
// see WithWriteTimeout.
func WithNodeWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewServer creates a server registering nodes with reg. A nil codec
// selects JSON.
func NewServer(reg Registrar, codec wire.Codec, opts ...ServerOption) *Server {
	if codec == nil {
		codec = wire.JSONCodec{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		reg:              reg,
		codec:            codec,
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		ctx:              ctx,
		cancel:           cancel,
		nodes:            make(map[*Invoker]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts framed connections on ln until Close. It returns nil
// after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	logging.Op().Info("accepting node connections", "addr", ln.Addr().String(), "codec", s.codec.Name())
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleLink(wire.NewStream(c, s.codec))
		}()
	}
}

// HandleLink serves one node connection until it closes. It is the gRPC
// entry point and is used by Serve for framed connections.
func (s *Server) HandleLink(conn wire.Conn) error {
	log := logging.Op().With("remote", conn.RemoteAddr())

	ready, err := s.handshake(conn)
	if err != nil {
		log.Warn("node handshake failed", "error", err)
		conn.Close()
		return err
	}
	metrics.RecordRemoteMessage(string(wire.TypeReady), dirIn)
	inv := NewInvoker(conn, ready, WithWriteTimeout(s.writeTimeout))
	log = log.With("invoker", inv.ID())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.nodes[inv] = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.nodes, inv)
		s.mu.Unlock()
	}()

	log.Info("node connected", "capacity", ready.Capacity, "capabilities", ready.Capabilities)
	serveErr := make(chan error, 1)
	go func() { serveErr <- inv.Serve(s.ctx) }()

	if err := s.reg.RegisterInvoker(inv); err != nil {
		log.Warn("registering node failed", "error", err)
		inv.Close()
		<-serveErr
		return err
	}
	err = <-serveErr
	log.Info("node disconnected", "error", err)
	return err
}

func (s *Server) handshake(conn wire.Conn) (*wire.Message, error) {
	type received struct {
		m   *wire.Message
		err error
	}
	ch := make(chan received, 1)
	go func() {
		m, err := conn.Receive()
		ch <- received{m, err}
	}()

	timer := time.NewTimer(s.handshakeTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, r.err)
		}
		if r.m.Type != wire.TypeReady {
			return nil, fmt.Errorf("%w: expected ready, got %s", ErrHandshake, r.m.Type)
		}
		if err := r.m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return r.m, nil
	case <-timer.C:
		conn.Close()
		return nil, fmt.Errorf("%w: no ready message within %s", ErrHandshake, s.handshakeTimeout)
	case <-s.ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("%w: server closed", ErrHandshake)
	}
}

// NodeInfo describes a connected node.
type NodeInfo struct {
	ID           string    `json:"id"`
	NodeID       string    `json:"node_id"`
	Remote       string    `json:"remote"`
	Capacity     int       `json:"capacity"`
	Waiting      int       `json:"waiting"`
	Capabilities []string  `json:"capabilities,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Nodes lists the connected nodes sorted by id.
func (s *Server) Nodes() []NodeInfo {
	s.mu.Lock()
	invs := make(map[*Invoker]time.Time, len(s.nodes))
	for inv, at := range s.nodes {
		invs[inv] = at
	}
	s.mu.Unlock()

	out := make([]NodeInfo, 0, len(invs))
	for inv, at := range invs {
		out = append(out, NodeInfo{
			ID:           inv.ID(),
			NodeID:       inv.NodeID(),
			Remote:       inv.conn.RemoteAddr(),
			Capacity:     inv.Capacity(),
			Waiting:      inv.Waiting(),
			Capabilities: inv.Capabilities().Tags(),
			ConnectedAt:  at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops the listeners and drops every node connection. Jobs waiting
// on them fail with ErrConnectionClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	invs := make([]*Invoker, 0, len(s.nodes))
	for inv := range s.nodes {
		invs = append(invs, inv)
	}
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, inv := range invs {
		inv.Close()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
