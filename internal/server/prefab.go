package server

import (
	"context"
	"sync/atomic"

	"terrainstream/internal/manifest"
	"terrainstream/internal/network"
	"terrainstream/internal/world"
)

// remotePrefab stands in for a prefab rendered by feed subscribers. Show
// and hide only queue events.
type remotePrefab struct {
	rec     manifest.PrefabRecord
	chunk   string
	level   int
	events  *network.Queue
	visible atomic.Bool
}

func (s *Server) newPrefab(ctx context.Context, chunk *world.Chunk, rec manifest.PrefabRecord) (world.TerrainPrefab, error) {
	return &remotePrefab{
		rec:    rec,
		chunk:  chunk.Name(),
		level:  chunk.Level(),
		events: s.events,
	}, nil
}

func (p *remotePrefab) Bounds() world.Bounds { return p.rec.Bounds }

func (p *remotePrefab) Visible() bool { return p.visible.Load() }

func (p *remotePrefab) OnShow() {
	p.visible.Store(true)
	p.events.Enqueue(network.Event{Type: network.MessagePrefabShown, Payload: p.event()})
}

func (p *remotePrefab) OnHide() {
	p.visible.Store(false)
	p.events.Enqueue(network.Event{Type: network.MessagePrefabHidden, Payload: p.event()})
}

func (p *remotePrefab) event() network.PrefabEvent {
	return network.PrefabEvent{
		ID:    p.rec.ID,
		Asset: p.rec.Asset,
		Chunk: p.chunk,
		Level: p.level,
		Min:   [3]float64(p.rec.Bounds.Min),
		Max:   [3]float64(p.rec.Bounds.Max),
	}
}
