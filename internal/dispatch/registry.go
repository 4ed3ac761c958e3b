// Package dispatch implements the packet-type-to-handler registry and
// middleware pipeline described in spec.md §4.H, grounded on the
// teacher's internal/net/packet.Registry: opcode lookup, a small
// pipeline of cross-cutting checks, and panic-safe invocation.
package dispatch

import (
	"context"
	"fmt"

	"github.com/l1jgo/server/internal/codec"
	"go.uber.org/zap"
)

// HandlerFunc processes one decoded packet for one client. The
// per-invocation cancellation token (spec.md §4.H point 3) is ctx,
// derived from the connection's context by the caller.
type HandlerFunc func(ctx context.Context, clientID uint64, pkt *codec.Packet) error

// Registration binds a packet type to its handler. RequiresAuth marks
// handlers that AuthMiddleware should gate (e.g. anything past login).
type Registration struct {
	PacketType   uint16
	Name         string
	Handler      HandlerFunc
	RequiresAuth bool
}

// Registry is the dispatch fabric's handler table plus middleware
// chain. It satisfies conn.Dispatcher structurally, without importing
// internal/conn.
type Registry struct {
	log         *zap.Logger
	handlers    map[uint16]Registration
	middlewares []Middleware
	metrics     *Metrics
}

// NewRegistry builds an empty registry. Call Use to install the
// middleware chain (order matters: spec.md §4.H prescribes
// rate-limit → auth → logging → metrics) before Register-ing handlers.
func NewRegistry(log *zap.Logger, metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Registry{
		log:      log,
		handlers: make(map[uint16]Registration),
		metrics:  metrics,
	}
}

// Use appends mw to the middleware chain, run in registration order
// before the handler.
func (r *Registry) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// Register adds a handler for packetType. A second Register call for
// the same type replaces the first, matching the teacher's map-based
// registry (last registration wins, no duplicate-detection panic).
func (r *Registry) Register(reg Registration) {
	r.handlers[reg.PacketType] = reg
}

// Metrics returns the registry's counters, for tests and export.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Dispatch looks up the handler for pkt's packet type, runs the
// middleware chain, and invokes the handler with panic recovery.
// Unknown packet types are logged, counted as dropped, and reported as
// ErrUnknownPacketType, matching spec.md §7's DispatchError taxonomy
// (UnknownPacketType: logged, dropped; HandlerError: logged, continue).
// No error Dispatch returns is meant to disconnect the caller's
// connection; the caller only logs it.
func (r *Registry) Dispatch(ctx context.Context, clientID uint64, pkt *codec.Packet) error {
	packetType := pkt.PacketType()
	reg, ok := r.handlers[packetType]
	if !ok {
		r.metrics.Dropped.Add(1)
		r.log.Debug("no handler for packet type", zap.Uint64("client_id", clientID), zap.Uint16("packet_type", packetType))
		return fmt.Errorf("%w: type %d", ErrUnknownPacketType, packetType)
	}

	inv := &Invocation{
		Ctx:          ctx,
		ClientID:     clientID,
		Packet:       pkt,
		PacketType:   packetType,
		RequiresAuth: reg.RequiresAuth,
	}
	for _, mw := range r.middlewares {
		if !mw(inv) {
			r.metrics.Dropped.Add(1)
			return nil
		}
	}

	return r.invoke(reg, ctx, clientID, pkt)
}

// invoke calls the handler with panic recovery, so one bad packet
// never crashes the dispatch-drain task (grounded on the teacher's
// Registry.safeCall).
func (r *Registry) invoke(reg Registration, ctx context.Context, clientID uint64, pkt *codec.Packet) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.Errors.Add(1)
			r.log.Error("handler panic recovered",
				zap.String("handler", reg.Name),
				zap.Uint16("packet_type", reg.PacketType),
				zap.Any("panic", rec))
			err = &Error{Code: CodeHandlerError, Msg: fmt.Sprintf("%s panicked: %v", reg.Name, rec)}
		}
	}()
	if err := reg.Handler(ctx, clientID, pkt); err != nil {
		r.metrics.Errors.Add(1)
		r.log.Error("handler returned error",
			zap.String("handler", reg.Name),
			zap.Uint16("packet_type", reg.PacketType),
			zap.Error(err))
		return &Error{Code: CodeHandlerError, Msg: err.Error()}
	}
	return nil
}
