// Package persist implements the 3-method persisted-state boundary
// spec.md §6 names. The core depends only on this interface; schema,
// storage engine, and account/auth concerns beyond it are a reference
// collaborator's business, not the core's.
package persist

import "context"

// Player is the persisted subset of a character: identity and last
// known placement. Anything gameplay-specific (stats, inventory, ...)
// is out of scope per spec.md §1.
type Player struct {
	ID     uint32
	CharID int32
	Name   string
	MapID  uint16
	X      int16
	Y      int16
}

// Repository is the persisted-state boundary spec.md §6 requires:
//
//	get_player_by_id(id) -> Option<Player>
//	upsert_player(player) -> bool
//	is_name_available(name) -> bool
type Repository interface {
	GetPlayerByID(ctx context.Context, id uint32) (*Player, error)
	UpsertPlayer(ctx context.Context, p *Player) (bool, error)
	IsNameAvailable(ctx context.Context, name string) (bool, error)
}
