// Package server implements the accept loop and client registry from
// spec.md §4.I/§4.J, grounded on the teacher's internal/net.Server but
// reshaped around conn.Session's self-contained goroutine model instead
// of the teacher's newConns/deadCh channel handoff to an external game
// loop — this core has no outer game loop to hand sessions to.
package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/server/internal/conn"
	"go.uber.org/zap"
)

// ErrClientNotConnected is returned by Send when clientID has no active
// session in the registry, whether it never connected or already left.
var ErrClientNotConnected = errors.New("client not connected")

type clientEntry struct {
	session     *conn.Session
	connectedAt time.Time
}

// Registry is the concurrent client_id -> connection map spec.md §4.I
// describes: add/remove/get/broadcast, with atomically updated
// aggregate send counters.
type Registry struct {
	mu      sync.RWMutex
	clients map[uint64]*clientEntry
	log     *zap.Logger

	totalPacketsSent atomic.Uint64
	totalBytesSent   atomic.Uint64
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		clients: make(map[uint64]*clientEntry),
		log:     log,
	}
}

// Add inserts a newly accepted session. Only the accept task calls this.
func (r *Registry) Add(s *conn.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[s.ID] = &clientEntry{session: s, connectedAt: time.Now()}
}

// Remove is idempotent: removing an unknown or already-removed id is a
// no-op. It disposes the connection and logs its connected duration.
func (r *Registry) Remove(clientID uint64) {
	r.mu.Lock()
	entry, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.session.Close()
	r.log.Info("client disconnected",
		zap.Uint64("client_id", clientID),
		zap.Duration("connected_for", time.Since(entry.connectedAt)))
}

// Get returns the session for clientID, if still connected.
func (r *Registry) Get(clientID uint64) (*conn.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Count reports the number of currently connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends frame to every connected client except excludeClientID
// (pass 0 to exclude none, since client ids start at 1). It iterates a
// snapshot, so a client connecting or disconnecting mid-broadcast never
// races the iteration; a per-client send failure is logged and does not
// abort the rest of the broadcast.
func (r *Registry) Broadcast(frame []byte, excludeClientID uint64) {
	r.mu.RLock()
	snapshot := make([]*clientEntry, 0, len(r.clients))
	for id, entry := range r.clients {
		if id == excludeClientID {
			continue
		}
		snapshot = append(snapshot, entry)
	}
	r.mu.RUnlock()

	for _, entry := range snapshot {
		if err := entry.session.Send(frame); err != nil {
			r.log.Warn("broadcast send failed", zap.Uint64("client_id", entry.session.ID), zap.Error(err))
			continue
		}
		r.totalPacketsSent.Add(1)
		r.totalBytesSent.Add(uint64(len(frame)))
	}
}

// Send delivers frame to a single connected client, updating the same
// aggregate counters Broadcast does. It reports an unknown-client error
// the same way a closed session would: the caller doesn't need to
// distinguish "never connected" from "disconnected mid-handler".
func (r *Registry) Send(clientID uint64, frame []byte) error {
	r.mu.RLock()
	entry, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return ErrClientNotConnected
	}
	if err := entry.session.Send(frame); err != nil {
		return err
	}
	r.totalPacketsSent.Add(1)
	r.totalBytesSent.Add(uint64(len(frame)))
	return nil
}

// TotalPacketsSent and TotalBytesSent are the aggregate counters spec.md
// §4.I requires, updated atomically by Broadcast and Send.
func (r *Registry) TotalPacketsSent() uint64 { return r.totalPacketsSent.Load() }
func (r *Registry) TotalBytesSent() uint64   { return r.totalBytesSent.Load() }

// CloseAll disposes every remaining connection, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Remove(id)
	}
}
