// Package gameworld ties together the maps a server hosts with the
// directory of players currently connected to them (spec.md §4.E,
// generalizing the teacher's world.State/PlayerInfo pair — trimmed to
// the identity, placement and connection-link fields the core cares
// about, since gameplay stat/inventory semantics are out of scope).
package gameworld

import "github.com/l1jgo/server/internal/worldmap"

// Conn is the minimal surface gameworld needs from a live connection to
// push data to a player without importing internal/conn; conn.Session
// satisfies it structurally.
type Conn interface {
	Send(data []byte) error
	RemoteAddr() string
}

// Player is a connected character's in-memory state: identity, the map
// object that places it spatially, a link back to its connection, and
// a dirty flag for deferred persistence flushes.
type Player struct {
	ObjectID uint32
	CharID   int32
	Name     string
	Obj      *worldmap.MapObject
	Conn     Conn
	Dirty    bool
}

// MarkDirty flags the player for the next persistence flush.
func (p *Player) MarkDirty() {
	p.Dirty = true
}

// ClearDirty resets the dirty flag, typically after a successful flush.
func (p *Player) ClearDirty() {
	p.Dirty = false
}
