package worldmap

// CellFlag is a bitset over the terrain states a cell may carry
// simultaneously (spec.md §3).
type CellFlag uint16

const (
	FlagNone       CellFlag = 0
	FlagOpen       CellFlag = 1 << 0
	FlagBlocked    CellFlag = 1 << 1
	FlagStaticObj  CellFlag = 1 << 2
	FlagEntity     CellFlag = 1 << 3
	FlagGate       CellFlag = 1 << 4
	FlagBlockedObj CellFlag = 1 << 5
	FlagPortal     CellFlag = 1 << 6
	FlagTerrain    CellFlag = 1 << 7
)

// Has reports whether all bits of other are set in f.
func (f CellFlag) Has(other CellFlag) bool {
	return f&other == other
}

// Cell is an immutable (flags, argument, floor_type) triple. argument
// stores altitude, or — when FlagPortal is set — the destination map
// id. Every mutation returns a new Cell; the Map stores the result back
// into its grid (see DESIGN.md's note on the AddFlag reassignment bug
// this design structurally avoids).
type Cell struct {
	Flags     CellFlag
	Argument  int32
	FloorType byte
}

// blockedSentinel is returned for any out-of-bounds cell access.
var blockedSentinel = Cell{Flags: FlagBlocked}

// WithFlag returns a copy of c with flag set.
func (c Cell) WithFlag(flag CellFlag) Cell {
	c.Flags |= flag
	return c
}

// WithoutFlag returns a copy of c with flag cleared.
func (c Cell) WithoutFlag(flag CellFlag) Cell {
	c.Flags &^= flag
	return c
}

// WithArgument returns a copy of c with a new argument value (altitude,
// or portal destination map id).
func (c Cell) WithArgument(arg int32) Cell {
	c.Argument = arg
	return c
}

// IsBlocked reports whether movement onto this cell is disallowed.
func (c Cell) IsBlocked() bool {
	return c.Flags.Has(FlagBlocked)
}

// IsPortal reports whether this cell's Argument is a destination map id.
func (c Cell) IsPortal() bool {
	return c.Flags.Has(FlagPortal)
}

// IsOpen reports whether the cell is marked walkable terrain.
func (c Cell) IsOpen() bool {
	return c.Flags.Has(FlagOpen)
}
