package world

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/go-gl/mathgl/mgl64"
)

// Transition reports what one streaming pass changed.
type Transition struct {
	Level int
	// Center is the chunk owning the detector; valid only when Inside.
	Center   ChunkKey
	Inside   bool
	Loaded   []ChunkKey
	Unloaded []ChunkKey
	// Deferred counts chunks that should be loaded but were refused by the
	// load limiter.
	Deferred int
}

// Changed reports whether any chunk changed state.
func (t Transition) Changed() bool {
	return len(t.Loaded) > 0 || len(t.Unloaded) > 0
}

// UpdateStreaming loads every chunk within the graph radius of pos and
// unloads every loaded chunk outside it. Passes are serialized; calling it
// again with the same position changes nothing. A position outside the grid
// leaves no chunk loaded.
func (g *Graph) UpdateStreaming(pos mgl64.Vec3) Transition {
	return g.stream(pos, nil)
}

// Stream runs a pass at the detector position, keeping only chunks the
// detector reports as detected. The center chunk is always kept.
func (g *Graph) Stream(d Detector) Transition {
	return g.stream(d.Position(), d.IsDetected)
}

// UnloadAll hides every loaded chunk.
func (g *Graph) UnloadAll() Transition {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()

	t := Transition{Level: g.level}
	g.apply(roaring.New(), nil, &t)
	return t
}

func (g *Graph) stream(pos mgl64.Vec3, detect func(Bounds) bool) Transition {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()

	t := Transition{Level: g.level}
	desired := roaring.New()
	var order []*Chunk
	if coord, ok := g.grid.CellOf(pos); ok {
		center := g.GetOrCreateChunk(coord)
		t.Center, t.Inside = center.key, true
		order = g.walk(center, detect, desired)
	}
	g.apply(desired, order, &t)
	return t
}

// walk collects chunks within radius face steps of center, nearest first.
func (g *Graph) walk(center *Chunk, detect func(Bounds) bool, desired *roaring.Bitmap) []*Chunk {
	type node struct {
		chunk *Chunk
		depth int
	}

	dirs := g.grid.Dims.Directions()
	visited := roaring.BitmapOf(uint32(center.key))
	queue := []node{{chunk: center}}
	var order []*Chunk
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if n.depth == 0 || detect == nil || detect(n.chunk.bounds) {
			desired.Add(uint32(n.chunk.key))
			order = append(order, n.chunk)
		}
		if n.depth >= g.radius {
			continue
		}
		for _, dir := range dirs {
			next := g.Neighbor(n.chunk, dir)
			if next == nil || !visited.CheckedAdd(uint32(next.key)) {
				continue
			}
			queue = append(queue, node{chunk: next, depth: n.depth + 1})
		}
	}
	return order
}

func (g *Graph) apply(desired *roaring.Bitmap, order []*Chunk, t *Transition) {
	g.loadedMu.RLock()
	leaving := roaring.AndNot(g.loaded, desired)
	entering := roaring.AndNot(desired, g.loaded)
	g.loadedMu.RUnlock()

	it := leaving.Iterator()
	for it.HasNext() {
		key := ChunkKey(it.Next())
		if ch, ok := g.Chunk(key); ok && ch.unload() {
			g.logger.Debug("chunk unloaded", "chunk", key.Name(), "prefabs", ch.PrefabCount())
		}
		g.setLoaded(key, false)
		t.Unloaded = append(t.Unloaded, key)
	}

	for _, ch := range order {
		if !entering.Contains(uint32(ch.key)) {
			continue
		}
		if g.limiter != nil && !g.limiter.Allow() {
			t.Deferred++
			continue
		}
		if ch.load() {
			g.logger.Debug("chunk loaded", "chunk", ch.Name(), "prefabs", ch.PrefabCount())
		}
		g.setLoaded(ch.key, true)
		t.Loaded = append(t.Loaded, ch.key)
	}

	if t.Changed() || t.Deferred > 0 {
		g.logger.Info("streaming pass",
			"center", t.Center.Name(),
			"inside", t.Inside,
			"loaded", len(t.Loaded),
			"unloaded", len(t.Unloaded),
			"deferred", t.Deferred,
		)
	}
}

func (g *Graph) setLoaded(key ChunkKey, loaded bool) {
	g.loadedMu.Lock()
	defer g.loadedMu.Unlock()
	if loaded {
		g.loaded.Add(uint32(key))
	} else {
		g.loaded.Remove(uint32(key))
	}
}
