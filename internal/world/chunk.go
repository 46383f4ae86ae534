package world

import "sync"

// State is the streaming state of a chunk.
type State uint8

const (
	Unloaded State = iota
	Loaded
)

func (s State) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "unloaded"
}

// Chunk is one grid cell and the prefabs placed in it. Chunks are created
// on first reference and live for the lifetime of their graph.
type Chunk struct {
	key    ChunkKey
	coord  Coord
	level  int
	bounds Bounds

	mu      sync.RWMutex
	prefabs []TerrainPrefab
	state   State
}

func newChunk(key ChunkKey, coord Coord, level int, bounds Bounds) *Chunk {
	return &Chunk{
		key:    key,
		coord:  coord,
		level:  level,
		bounds: bounds,
	}
}

func (c *Chunk) Key() ChunkKey  { return c.key }
func (c *Chunk) Coord() Coord   { return c.coord }
func (c *Chunk) Level() int     { return c.level }
func (c *Chunk) Bounds() Bounds { return c.bounds }
func (c *Chunk) Name() string   { return c.key.Name() }

func (c *Chunk) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Chunk) Loaded() bool {
	return c.State() == Loaded
}

// Prefabs returns a copy of the chunk membership.
func (c *Chunk) Prefabs() []TerrainPrefab {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]TerrainPrefab(nil), c.prefabs...)
}

func (c *Chunk) PrefabCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prefabs)
}

// addPrefab appends p unless an equal reference is present. A prefab added
// to a loaded chunk is shown immediately so the chunk stays consistent.
func (c *Chunk) addPrefab(p TerrainPrefab) bool {
	c.mu.Lock()
	for _, existing := range c.prefabs {
		if existing == p {
			c.mu.Unlock()
			return false
		}
	}
	c.prefabs = append(c.prefabs, p)
	show := c.state == Loaded
	c.mu.Unlock()

	if show {
		p.OnShow()
	}
	return true
}

// load shows every prefab once and marks the chunk Loaded. It reports
// false when the chunk was already loaded. Callers serialize load and
// unload; prefab callbacks run without the chunk lock held.
func (c *Chunk) load() bool {
	return c.transition(Loaded, TerrainPrefab.OnShow)
}

// unload hides every prefab once and marks the chunk Unloaded.
func (c *Chunk) unload() bool {
	return c.transition(Unloaded, TerrainPrefab.OnHide)
}

func (c *Chunk) transition(target State, notify func(TerrainPrefab)) bool {
	c.mu.RLock()
	if c.state == target {
		c.mu.RUnlock()
		return false
	}
	snapshot := append([]TerrainPrefab(nil), c.prefabs...)
	c.mu.RUnlock()

	for _, p := range snapshot {
		notify(p)
	}

	// Membership is append-only, so anything past the snapshot was added
	// while callbacks ran and was not yet moved to the target state.
	c.mu.Lock()
	c.state = target
	late := append([]TerrainPrefab(nil), c.prefabs[len(snapshot):]...)
	c.mu.Unlock()

	for _, p := range late {
		notify(p)
	}
	return true
}
