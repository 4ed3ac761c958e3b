package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/server/internal/conn"
	"go.uber.org/zap"
)

// DefaultPort and DefaultMaxClients match spec.md §6's CLI defaults.
const (
	DefaultPort       = 10033
	DefaultMaxClients = 1000

	shutdownDrainTimeout = 10 * time.Second
)

// Server owns the listener and the client registry, and spawns one
// conn.Session per accepted connection, grounded on the teacher's
// internal/net.Server.AcceptLoop.
type Server struct {
	listener   net.Listener
	Registry   *Registry
	dispatcher conn.Dispatcher
	maxClients int
	nextID     atomic.Uint64
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds addr and prepares the server; it does not start accepting
// until AcceptLoop runs.
func New(parent context.Context, addr string, maxClients int, dispatcher conn.Dispatcher, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		listener:   ln,
		Registry:   NewRegistry(log),
		dispatcher: dispatcher,
		maxClients: maxClients,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// AcceptLoop accepts connections until the listener is closed by
// Shutdown. Each accepted connection gets client_id = next++; if the
// registry is already at maxClients, the socket is closed immediately
// with a warning, per spec.md §4.I.
func (s *Server) AcceptLoop() error {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		if s.Registry.Count() >= s.maxClients {
			s.log.Warn("rejecting connection: max clients reached",
				zap.Int("max_clients", s.maxClients),
				zap.String("remote_addr", c.RemoteAddr().String()))
			c.Close()
			continue
		}

		id := s.nextID.Add(1)
		sess := conn.NewSession(s.ctx, id, c, s.dispatcher, s.log)
		s.Registry.Add(sess)
		s.log.Info("client connected", zap.Uint64("client_id", id), zap.String("remote_addr", c.RemoteAddr().String()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sess.Start(); err != nil {
				s.log.Debug("session ended with error", zap.Uint64("client_id", id), zap.Error(err))
			}
			s.Registry.Remove(id)
		}()
	}
}

// Shutdown cancels the server context, stops accepting new
// connections, waits up to shutdownDrainTimeout for in-flight sessions
// to finish, then disposes any still-registered clients and logs a
// summary, matching spec.md §4.I's shutdown sequence.
func (s *Server) Shutdown() {
	s.cancel()
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		s.log.Warn("shutdown drain timed out, disposing remaining clients", zap.Int("remaining", s.Registry.Count()))
	}

	s.Registry.CloseAll()
	s.log.Info("server shutdown complete",
		zap.Uint64("total_packets_sent", s.Registry.TotalPacketsSent()),
		zap.Uint64("total_bytes_sent", s.Registry.TotalBytesSent()))
}
