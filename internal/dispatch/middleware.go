package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/l1jgo/server/internal/codec"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Invocation carries everything a middleware needs to inspect or veto a
// single dispatch, mirroring the teacher's packet.Registry.Dispatch
// arguments (session, state, data) but generalized to this core's
// opaque packet type.
type Invocation struct {
	Ctx        context.Context
	ClientID   uint64
	Packet     *codec.Packet
	PacketType uint16
	// RequiresAuth is set from the matched Registration before the
	// chain runs, so AuthMiddleware doesn't need its own copy of the
	// registry.
	RequiresAuth bool
}

// Middleware inspects an Invocation and reports whether the chain
// should continue. Per spec.md §4.H, returning false aborts the chain
// without producing an error — the packet is silently dropped at that
// stage.
type Middleware func(inv *Invocation) bool

// RateLimitMiddleware enforces a dispatch-wide token bucket, distinct
// from conn's per-connection packet/byte limiters: this one protects
// handler CPU time shared across all clients.
func RateLimitMiddleware(limiter *rate.Limiter, log *zap.Logger) Middleware {
	return func(inv *Invocation) bool {
		if limiter.Allow() {
			return true
		}
		log.Warn("dispatch rate limit exceeded",
			zap.Uint64("client_id", inv.ClientID),
			zap.Uint16("packet_type", inv.PacketType))
		return false
	}
}

// AuthChecker reports whether clientID may invoke an auth-gated handler.
type AuthChecker func(clientID uint64) bool

// AuthMiddleware rejects invocations for registrations flagged
// RequiresAuth when the checker reports the client isn't authorized.
// Handlers that don't require auth (e.g. login packets themselves) are
// unaffected.
func AuthMiddleware(check AuthChecker, log *zap.Logger) Middleware {
	return func(inv *Invocation) bool {
		if !inv.RequiresAuth {
			return true
		}
		if check(inv.ClientID) {
			return true
		}
		log.Warn("dispatch rejected unauthorized packet",
			zap.Uint64("client_id", inv.ClientID),
			zap.Uint16("packet_type", inv.PacketType))
		return false
	}
}

// LoggingMiddleware logs every invocation at debug level. It never
// aborts the chain.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(inv *Invocation) bool {
		log.Debug("dispatching packet",
			zap.Uint64("client_id", inv.ClientID),
			zap.Uint16("packet_type", inv.PacketType))
		return true
	}
}

// Metrics accumulates dispatch counters, surfaced for tests and
// eventual export. Counters are plain atomics: spec.md §5 requires
// synchronized shared state, not a specific metrics backend.
type Metrics struct {
	Dispatched atomic.Int64
	Dropped    atomic.Int64
	Errors     atomic.Int64
}

// MetricsMiddleware records that an invocation reached the handler
// stage. It never aborts the chain.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(inv *Invocation) bool {
		m.Dispatched.Add(1)
		return true
	}
}
