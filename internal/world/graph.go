package world

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/time/rate"
)

// DefaultLODFactor is the coordinate ratio between adjacent LOD levels.
const DefaultLODFactor = 2

// Graph owns every chunk of one LOD level, keyed by Morton key. Neighbor and
// up-level links are computed from keys on demand and never stored.
type Graph struct {
	grid    Grid
	level   int
	radius  int
	parent  *Graph
	factor  uint32
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	chunks map[ChunkKey]*Chunk

	// streamMu serializes streaming passes; loadedMu guards loaded.
	streamMu sync.Mutex
	loadedMu sync.RWMutex
	loaded   *roaring.Bitmap
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRadius sets the neighbor-walk depth of a streaming pass.
func WithRadius(radius int) Option {
	return func(g *Graph) {
		if radius >= 0 {
			g.radius = radius
		}
	}
}

// WithLoadLimiter throttles chunk loads. Chunks refused by the limiter stay
// unloaded and are retried on the next pass.
func WithLoadLimiter(limiter *rate.Limiter) Option {
	return func(g *Graph) {
		g.limiter = limiter
	}
}

// WithParent links the graph to the next coarser level. Coordinates are
// divided by factor when resolving up-level chunks.
func WithParent(parent *Graph, factor uint32) Option {
	return func(g *Graph) {
		g.parent = parent
		if factor >= 2 {
			g.factor = factor
		}
	}
}

// WithLevel records the LOD level of the graph, 0 being the finest.
func WithLevel(level int) Option {
	return func(g *Graph) {
		g.level = level
	}
}

func NewGraph(grid Grid, opts ...Option) *Graph {
	g := &Graph{
		grid:   NewGrid(grid.Dims, grid.Origin, grid.CellSize),
		radius: 1,
		factor: DefaultLODFactor,
		logger: slog.Default(),
		chunks: make(map[ChunkKey]*Chunk),
		loaded: roaring.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("level", g.level)
	return g
}

func (g *Graph) Grid() Grid     { return g.grid }
func (g *Graph) Dims() Dims     { return g.grid.Dims }
func (g *Graph) Level() int     { return g.level }
func (g *Graph) Radius() int    { return g.radius }
func (g *Graph) Parent() *Graph { return g.parent }

// Key returns the chunk key of c in this graph's key space.
func (g *Graph) Key(c Coord) ChunkKey {
	return g.grid.Dims.Key(c)
}

// GetOrCreateChunk returns the chunk at c, creating an empty unloaded one on
// first reference. Out-of-range axes are masked by the key space.
func (g *Graph) GetOrCreateChunk(c Coord) *Chunk {
	key := g.Key(c)

	g.mu.RLock()
	ch, ok := g.chunks[key]
	g.mu.RUnlock()
	if ok {
		return ch
	}

	coord := g.grid.Dims.Coord(key)
	created := newChunk(key, coord, g.level, g.grid.CellBounds(coord))

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.chunks[key]; ok {
		return existing
	}
	g.chunks[key] = created
	return created
}

// ChunkAt resolves the chunk owning a world position.
func (g *Graph) ChunkAt(pos mgl64.Vec3) (*Chunk, bool) {
	coord, ok := g.grid.CellOf(pos)
	if !ok {
		return nil, false
	}
	return g.GetOrCreateChunk(coord), true
}

// Chunk returns an existing chunk without creating it.
func (g *Graph) Chunk(key ChunkKey) (*Chunk, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ch, ok := g.chunks[key]
	return ch, ok
}

// AddPrefab registers p with chunk. Adding an equal reference twice is a no-op.
func (g *Graph) AddPrefab(chunk *Chunk, p TerrainPrefab) bool {
	if chunk == nil || p == nil {
		return false
	}
	return chunk.addPrefab(p)
}

// Neighbor returns the face neighbor of chunk in dir, or nil when the step
// would go below zero or the direction does not exist in this key space.
// Steps past the top of the key space wrap through key masking.
func (g *Graph) Neighbor(chunk *Chunk, dir Direction) *Chunk {
	if chunk == nil {
		return nil
	}
	if g.grid.Dims == Planar && (dir == Up || dir == Down) {
		return nil
	}
	next, ok := step(chunk.coord, dir)
	if !ok {
		return nil
	}
	return g.GetOrCreateChunk(next)
}

// Neighbors returns every existing-or-created face neighbor of chunk.
func (g *Graph) Neighbors(chunk *Chunk) []*Chunk {
	dirs := g.grid.Dims.Directions()
	out := make([]*Chunk, 0, len(dirs))
	for _, dir := range dirs {
		if n := g.Neighbor(chunk, dir); n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Uplevel returns the chunk covering chunk one LOD level coarser, or nil when
// this graph is the coarsest level.
func (g *Graph) Uplevel(chunk *Chunk) *Chunk {
	if chunk == nil || g.parent == nil {
		return nil
	}
	f := g.factor
	c := chunk.coord
	return g.parent.GetOrCreateChunk(Coord{X: c.X / f, Y: c.Y / f, Z: c.Z / f})
}

// Len reports how many chunks have been referenced.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.chunks)
}

// ForEach visits chunks in key order until fn returns false.
func (g *Graph) ForEach(fn func(*Chunk) bool) {
	g.mu.RLock()
	list := make([]*Chunk, 0, len(g.chunks))
	for _, ch := range g.chunks {
		list = append(list, ch)
	}
	g.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].key < list[j].key })
	for _, ch := range list {
		if !fn(ch) {
			return
		}
	}
}

// LoadedKeys returns the keys of loaded chunks in ascending order.
func (g *Graph) LoadedKeys() []ChunkKey {
	g.loadedMu.RLock()
	raw := g.loaded.ToArray()
	g.loadedMu.RUnlock()

	keys := make([]ChunkKey, len(raw))
	for i, k := range raw {
		keys[i] = ChunkKey(k)
	}
	return keys
}

func step(c Coord, dir Direction) (Coord, bool) {
	dx, dy, dz := dir.Offset()
	var ok bool
	if c.X, ok = shift(c.X, dx); !ok {
		return Coord{}, false
	}
	if c.Y, ok = shift(c.Y, dy); !ok {
		return Coord{}, false
	}
	if c.Z, ok = shift(c.Z, dz); !ok {
		return Coord{}, false
	}
	return c, true
}

func shift(v uint32, d int) (uint32, bool) {
	if d < 0 && v == 0 {
		return 0, false
	}
	return uint32(int64(v) + int64(d)), true
}
