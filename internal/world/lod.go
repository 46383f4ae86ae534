package world

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// PyramidConfig describes a stack of LOD graphs over the same world area.
type PyramidConfig struct {
	// Base is the grid of level 0, the finest level.
	Base Grid
	// Levels is the number of graphs; 1 disables up-level lookups.
	Levels int
	// Factor is the coordinate ratio between adjacent levels.
	Factor uint32
	// Radii gives the streaming radius per level. Missing entries reuse the
	// last one.
	Radii []int
}

// Pyramid links one Graph per LOD level, each level the parent of the one
// below it.
type Pyramid struct {
	levels []*Graph
	factor uint32
}

// NewPyramid builds every level. Options apply to all levels; radius and
// parent links are set per level.
func NewPyramid(cfg PyramidConfig, opts ...Option) (*Pyramid, error) {
	if cfg.Levels <= 0 {
		return nil, errors.New("pyramid needs at least one level")
	}
	if cfg.Factor == 0 {
		cfg.Factor = DefaultLODFactor
	}
	if cfg.Factor < 2 {
		return nil, fmt.Errorf("lod factor %d must be at least 2", cfg.Factor)
	}
	if len(cfg.Radii) == 0 {
		cfg.Radii = []int{1}
	}

	p := &Pyramid{
		levels: make([]*Graph, cfg.Levels),
		factor: cfg.Factor,
	}
	grid := NewGrid(cfg.Base.Dims, cfg.Base.Origin, cfg.Base.CellSize)
	grids := make([]Grid, cfg.Levels)
	for i := range grids {
		grids[i] = grid
		grid = grid.Scaled(float64(cfg.Factor))
	}

	// Build coarsest first so each level can point at its parent.
	for level := cfg.Levels - 1; level >= 0; level-- {
		radius := cfg.Radii[len(cfg.Radii)-1]
		if level < len(cfg.Radii) {
			radius = cfg.Radii[level]
		}
		levelOpts := append([]Option(nil), opts...)
		levelOpts = append(levelOpts, WithLevel(level), WithRadius(radius))
		if level+1 < cfg.Levels {
			levelOpts = append(levelOpts, WithParent(p.levels[level+1], cfg.Factor))
		}
		p.levels[level] = NewGraph(grids[level], levelOpts...)
	}
	return p, nil
}

// Levels reports the number of LOD levels.
func (p *Pyramid) Levels() int { return len(p.levels) }

// Factor reports the coordinate ratio between adjacent levels.
func (p *Pyramid) Factor() uint32 { return p.factor }

// Level returns the graph of one level, or nil when out of range.
func (p *Pyramid) Level(level int) *Graph {
	if level < 0 || level >= len(p.levels) {
		return nil
	}
	return p.levels[level]
}

// UpdateStreaming runs a pass on every level, finest first.
func (p *Pyramid) UpdateStreaming(pos mgl64.Vec3) []Transition {
	out := make([]Transition, len(p.levels))
	for i, g := range p.levels {
		out[i] = g.UpdateStreaming(pos)
	}
	return out
}

// Stream runs a detector pass on every level, finest first.
func (p *Pyramid) Stream(d Detector) []Transition {
	out := make([]Transition, len(p.levels))
	for i, g := range p.levels {
		out[i] = g.Stream(d)
	}
	return out
}

// UnloadAll hides every loaded chunk on every level.
func (p *Pyramid) UnloadAll() []Transition {
	out := make([]Transition, len(p.levels))
	for i, g := range p.levels {
		out[i] = g.UnloadAll()
	}
	return out
}
