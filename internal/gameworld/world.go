package gameworld

import (
	"sync"

	"github.com/l1jgo/server/internal/worldmap"
)

// Code enumerates gameworld failure modes.
type Code int

const (
	CodeMapNotFound Code = iota
	CodeMapAlreadyExists
	CodePlayerNotFound
	CodeNameTaken
)

func (c Code) String() string {
	switch c {
	case CodeMapNotFound:
		return "map_not_found"
	case CodeMapAlreadyExists:
		return "map_already_exists"
	case CodePlayerNotFound:
		return "player_not_found"
	case CodeNameTaken:
		return "name_taken"
	default:
		return "unknown"
	}
}

// Error is gameworld's typed error.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMapNotFound      = &Error{Code: CodeMapNotFound}
	ErrMapAlreadyExists = &Error{Code: CodeMapAlreadyExists}
	ErrPlayerNotFound   = &Error{Code: CodePlayerNotFound}
	ErrNameTaken        = &Error{Code: CodeNameTaken}
)

// World is the top-level registry: every map the server hosts, plus a
// global directory of connected players keyed by ObjectID and by name
// (grounded on the teacher's world.State, generalized from a single
// implicit map to a registry of worldmap.Map instances).
type World struct {
	mu      sync.RWMutex
	maps    map[uint16]*worldmap.Map
	players map[uint32]*Player
	byName  map[string]*Player
}

// NewWorld returns an empty registry.
func NewWorld() *World {
	return &World{
		maps:    make(map[uint16]*worldmap.Map),
		players: make(map[uint32]*Player),
		byName:  make(map[string]*Player),
	}
}

// AddMap registers a map under its own ID.
func (w *World) AddMap(m *worldmap.Map) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.maps[m.ID()]; exists {
		return ErrMapAlreadyExists
	}
	w.maps[m.ID()] = m
	return nil
}

// Map looks up a registered map by ID.
func (w *World) Map(id uint16) (*worldmap.Map, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.maps[id]
	if !ok {
		return nil, ErrMapNotFound
	}
	return m, nil
}

// MapCount reports how many maps are registered.
func (w *World) MapCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.maps)
}

// AddPlayer places a player into the world: it is added to its map's
// entity set and spatial grid, then indexed in the global directory.
func (w *World) AddPlayer(p *Player) error {
	w.mu.Lock()
	m, ok := w.maps[p.Obj.MapID]
	w.mu.Unlock()
	if !ok {
		return ErrMapNotFound
	}
	if err := m.AddEntity(p.Obj); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, taken := w.byName[p.Name]; taken {
		m.RemoveEntity(p.Obj.ObjectID)
		return ErrNameTaken
	}
	w.players[p.ObjectID] = p
	w.byName[p.Name] = p
	return nil
}

// RemovePlayer takes a player out of the world entirely: its map entity
// and both directory indexes are cleared.
func (w *World) RemovePlayer(objectID uint32) (*Player, error) {
	w.mu.Lock()
	p, ok := w.players[objectID]
	if !ok {
		w.mu.Unlock()
		return nil, ErrPlayerNotFound
	}
	delete(w.players, objectID)
	delete(w.byName, p.Name)
	mapID := p.Obj.MapID
	w.mu.Unlock()

	if m, err := w.Map(mapID); err == nil {
		m.RemoveEntity(objectID)
	}
	return p, nil
}

// PlayerByID looks up a player by ObjectID.
func (w *World) PlayerByID(objectID uint32) (*Player, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.players[objectID]
	return p, ok
}

// PlayerByName looks up a player by in-world name.
func (w *World) PlayerByName(name string) (*Player, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.byName[name]
	return p, ok
}

// PlayerCount reports how many players are currently tracked.
func (w *World) PlayerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.players)
}

// AllPlayers invokes fn for every tracked player. fn must not call back
// into World — the registry lock is held for the duration.
func (w *World) AllPlayers(fn func(*Player)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, p := range w.players {
		fn(p)
	}
}

// MovePlayer relocates a player within its current map, updating both
// the map's spatial grid and its entity record.
func (w *World) MovePlayer(objectID uint32, newX, newY int16) error {
	w.mu.RLock()
	p, ok := w.players[objectID]
	w.mu.RUnlock()
	if !ok {
		return ErrPlayerNotFound
	}
	m, err := w.Map(p.Obj.MapID)
	if err != nil {
		return err
	}
	return m.TryMoveEntity(objectID, newX, newY)
}
