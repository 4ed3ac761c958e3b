// Package mapseed loads a small YAML map fixture into a worldmap.Map,
// for the demo binary and integration tests. Map file parsing is
// delegated per spec.md's Non-goals; this lives outside
// internal/worldmap so the core package never depends on a file format.
// Grounded on the teacher's internal/data YAML-table loaders
// (LoadMapData's read-unmarshal-populate shape).
package mapseed

import (
	"fmt"
	"os"

	"github.com/l1jgo/server/internal/worldmap"
	"gopkg.in/yaml.v3"
)

// blockedTile is a single non-default terrain cell in the fixture.
type blockedTile struct {
	X int16 `yaml:"x"`
	Y int16 `yaml:"y"`
}

// portalTile is a portal cell and its destination.
type portalTile struct {
	X         int16  `yaml:"x"`
	Y         int16  `yaml:"y"`
	DestMapID uint16 `yaml:"dest_map_id"`
	DestX     int16  `yaml:"dest_x"`
	DestY     int16  `yaml:"dest_y"`
}

// mapFixture is the on-disk shape of a seed file.
type mapFixture struct {
	ID      uint16        `yaml:"id"`
	Width   int           `yaml:"width"`
	Height  int           `yaml:"height"`
	Blocked []blockedTile `yaml:"blocked"`
	Portals []portalTile  `yaml:"portals"`
}

// Load reads a YAML fixture at path and builds a worldmap.Map from it.
// Every cell not listed under "blocked" stays the default Open terrain
// NewMap already fills the grid with.
func Load(path string) (*worldmap.Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map fixture %s: %w", path, err)
	}

	var fixture mapFixture
	if err := yaml.Unmarshal(raw, &fixture); err != nil {
		return nil, fmt.Errorf("parse map fixture %s: %w", path, err)
	}

	m, err := worldmap.NewMap(fixture.ID, fixture.Width, fixture.Height)
	if err != nil {
		return nil, fmt.Errorf("build map %d: %w", fixture.ID, err)
	}

	for _, b := range fixture.Blocked {
		if err := m.SetCell(b.X, b.Y, worldmap.Cell{Flags: worldmap.FlagBlocked}); err != nil {
			return nil, fmt.Errorf("set blocked cell (%d,%d): %w", b.X, b.Y, err)
		}
	}

	for _, p := range fixture.Portals {
		dest := worldmap.Portal{DestMapID: p.DestMapID, DestX: p.DestX, DestY: p.DestY}
		if err := m.AddPortal(p.X, p.Y, dest); err != nil {
			return nil, fmt.Errorf("add portal (%d,%d): %w", p.X, p.Y, err)
		}
	}

	return m, nil
}
