package world

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// TerrainPrefab is a placed object owned by a chunk. The graph only tracks
// membership and forwards visibility changes; implementations must be
// comparable (pointers in practice) so duplicates can be detected.
type TerrainPrefab interface {
	Bounds() Bounds
	OnShow()
	OnHide()
}

// Detector is the observer whose position drives streaming.
type Detector interface {
	IsDetected(b Bounds) bool
	Position() mgl64.Vec3
}

// RadiusDetector detects boxes within Radius of a movable point. With
// Planar set the vertical axis is ignored.
type RadiusDetector struct {
	Radius float64
	Planar bool

	mu  sync.RWMutex
	pos mgl64.Vec3
}

func NewRadiusDetector(pos mgl64.Vec3, radius float64, planar bool) *RadiusDetector {
	return &RadiusDetector{Radius: radius, Planar: planar, pos: pos}
}

func (d *RadiusDetector) Position() mgl64.Vec3 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pos
}

// Move relocates the detector.
func (d *RadiusDetector) Move(pos mgl64.Vec3) {
	d.mu.Lock()
	d.pos = pos
	d.mu.Unlock()
}

func (d *RadiusDetector) IsDetected(b Bounds) bool {
	p := d.Position()
	if d.Planar {
		p[1] = b.Center()[1]
	}
	return b.DistanceSquared(p) <= d.Radius*d.Radius
}
