package worldmap

import (
	"sync"
	"time"
)

// DefaultCellSize is the spatial grid's default bucket size S (spec.md
// §3).
const DefaultCellSize = 32

// SweepInterval is the default period for the opportunistic inactive-
// entity sweep (spec.md §4.D).
const SweepInterval = 30 * time.Second

// bucketKey packs (cx, cy) into a single int64: (cx<<32)|(cy&0xFFFFFFFF),
// exactly as spec.md §3 specifies.
type bucketKey int64

func packKey(cx, cy int32) bucketKey {
	return bucketKey(int64(cx)<<32 | int64(uint32(cy)))
}

// toCellCoord floors division toward negative infinity so cells tile
// correctly across the origin (grounded on the teacher's AOIGrid
// toCellCoord — generalized here from a session-only grid to a
// generic MapObject spatial hash with queries and thread-safety).
func toCellCoord(v int32, cellSize int32) int32 {
	if v < 0 {
		return (v - cellSize + 1) / cellSize
	}
	return v / cellSize
}

// SpatialGrid is a fixed-cell-size bucket index of entities by position,
// giving O(1) amortized neighbourhood queries (spec.md §4.D).
type SpatialGrid struct {
	mu       sync.RWMutex
	cellSize int32
	gridW    int32
	gridH    int32

	buckets map[bucketKey]map[uint32]*MapObject
	lastKey map[uint32]bucketKey // objectID -> bucket it currently lives in
}

// NewSpatialGrid creates a grid sized for a mapWidth x mapHeight map.
// gridW/gridH (ceil(W/S), ceil(H/S)) are stored on the grid but not
// reported by Stats; the bucket map itself grows lazily and is never
// pre-sized to W*H.
func NewSpatialGrid(cellSize int32, mapWidth, mapHeight int) *SpatialGrid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &SpatialGrid{
		cellSize: cellSize,
		gridW:    ceilDiv(int32(mapWidth), cellSize),
		gridH:    ceilDiv(int32(mapHeight), cellSize),
		buckets:  make(map[bucketKey]map[uint32]*MapObject),
		lastKey:  make(map[uint32]bucketKey),
	}
}

func ceilDiv(a, b int32) int32 {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (g *SpatialGrid) keyFor(pos Position) bucketKey {
	cx := toCellCoord(int32(pos.X), g.cellSize)
	cy := toCellCoord(int32(pos.Y), g.cellSize)
	return packKey(cx, cy)
}

// Add inserts e into the bucket for its current position.
func (g *SpatialGrid) Add(e *MapObject) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(e)
}

func (g *SpatialGrid) addLocked(e *MapObject) {
	key := g.keyFor(e.Pos)
	bucket := g.buckets[key]
	if bucket == nil {
		bucket = make(map[uint32]*MapObject)
		g.buckets[key] = bucket
	}
	bucket[e.ObjectID] = e
	g.lastKey[e.ObjectID] = key
}

// Remove takes e out of the grid. If its bucket becomes empty, the
// bucket itself is deleted to bound memory (spec.md §3: "a non-dirty
// bucket with zero entries is removed").
func (g *SpatialGrid) Remove(e *MapObject) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(e.ObjectID)
}

func (g *SpatialGrid) removeLocked(objectID uint32) bool {
	key, ok := g.lastKey[objectID]
	if !ok {
		return false
	}
	bucket := g.buckets[key]
	if bucket == nil {
		delete(g.lastKey, objectID)
		return false
	}
	_, existed := bucket[objectID]
	delete(bucket, objectID)
	if len(bucket) == 0 {
		delete(g.buckets, key)
	}
	delete(g.lastKey, objectID)
	return existed
}

// Update moves e to the bucket matching its current Pos. It is a no-op
// (other than the lookup) when the bucket key hasn't changed, short-
// circuiting the common case of sub-cell movement.
func (g *SpatialGrid) Update(e *MapObject) {
	g.mu.Lock()
	defer g.mu.Unlock()

	newKey := g.keyFor(e.Pos)
	if oldKey, ok := g.lastKey[e.ObjectID]; ok && oldKey == newKey {
		return
	}
	g.removeLocked(e.ObjectID)
	g.addLocked(e)
}

// Contains reports whether objectID is currently tracked.
func (g *SpatialGrid) Contains(objectID uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.lastKey[objectID]
	return ok
}

// Clear empties every bucket.
func (g *SpatialGrid) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buckets = make(map[bucketKey]map[uint32]*MapObject)
	g.lastKey = make(map[uint32]bucketKey)
}

// Stats reports the live entity count and the number of non-empty
// buckets ("active cells"), both observable per spec.md §3.
func (g *SpatialGrid) Stats() (count, activeCells int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.lastKey), len(g.buckets)
}

// halo returns the cell keys within Chebyshev distance ⌊r/S⌋+1 of
// center's cell (never less than ⌈r/S⌉), enough to cover any entity
// within radius r.
func (g *SpatialGrid) halo(center Position, radius float64) []bucketKey {
	span := int32(radius)/g.cellSize + 1
	ccx := toCellCoord(int32(center.X), g.cellSize)
	ccy := toCellCoord(int32(center.Y), g.cellSize)
	keys := make([]bucketKey, 0, (2*span+1)*(2*span+1))
	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			keys = append(keys, packKey(ccx+dx, ccy+dy))
		}
	}
	return keys
}

// QueryRadius returns every active entity within radius of center,
// optionally restricted to objType. Candidate cells come from the
// Chebyshev halo; the final filter is a true Euclidean distance check.
// Queries take a snapshot view: they may miss a concurrent insert but
// never yield a removed, inactive entity — encountered inactive entries
// are opportunistically dropped from their bucket (spec.md §4.D).
func (g *SpatialGrid) QueryRadius(center Position, radius float64, objType *ObjectType) []*MapObject {
	g.mu.Lock()
	defer g.mu.Unlock()

	r2 := radius * radius
	var result []*MapObject
	for _, key := range g.halo(center, radius) {
		bucket := g.buckets[key]
		if bucket == nil {
			continue
		}
		for id, e := range bucket {
			if !e.IsActive {
				delete(bucket, id)
				delete(g.lastKey, id)
				continue
			}
			if objType != nil && e.ObjectType != *objType {
				continue
			}
			if center.DistanceSquared(e.Pos) <= r2 {
				result = append(result, e)
			}
		}
		if len(bucket) == 0 {
			delete(g.buckets, key)
		}
	}
	return result
}

// QueryRectangle returns every active entity with min.X<=X<=max.X and
// min.Y<=Y<=max.Y, optionally restricted to objType.
func (g *SpatialGrid) QueryRectangle(min, max Position, objType *ObjectType) []*MapObject {
	g.mu.Lock()
	defer g.mu.Unlock()

	minCX := toCellCoord(int32(min.X), g.cellSize)
	maxCX := toCellCoord(int32(max.X), g.cellSize)
	minCY := toCellCoord(int32(min.Y), g.cellSize)
	maxCY := toCellCoord(int32(max.Y), g.cellSize)

	var result []*MapObject
	for cx := minCX; cx <= maxCX; cx++ {
		for cy := minCY; cy <= maxCY; cy++ {
			bucket := g.buckets[packKey(cx, cy)]
			for id, e := range bucket {
				if !e.IsActive {
					delete(bucket, id)
					delete(g.lastKey, id)
					continue
				}
				if objType != nil && e.ObjectType != *objType {
					continue
				}
				if e.Pos.X >= min.X && e.Pos.X <= max.X && e.Pos.Y >= min.Y && e.Pos.Y <= max.Y {
					result = append(result, e)
				}
			}
		}
	}
	return result
}

// CountInRadius returns how many entities QueryRadius would return; it
// builds that slice and reports its length.
func (g *SpatialGrid) CountInRadius(center Position, radius float64, objType *ObjectType) int {
	return len(g.QueryRadius(center, radius, objType))
}

// FindNearest returns the closest active entity of objType within
// maxRange, or ok=false if none.
func (g *SpatialGrid) FindNearest(center Position, objType ObjectType, maxRange float64) (*MapObject, bool) {
	candidates := g.QueryRadius(center, maxRange, &objType)
	var best *MapObject
	bestDist := maxRange * maxRange
	for _, e := range candidates {
		d := center.DistanceSquared(e.Pos)
		if d <= bestDist {
			bestDist = d
			best = e
		}
	}
	return best, best != nil
}

// Sweep removes inactive entries from every bucket; intended to be
// called periodically (SweepInterval) alongside the opportunistic
// cleanup queries already perform.
func (g *SpatialGrid) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, bucket := range g.buckets {
		for id, e := range bucket {
			if !e.IsActive {
				delete(bucket, id)
				delete(g.lastKey, id)
			}
		}
		if len(bucket) == 0 {
			delete(g.buckets, key)
		}
	}
}
