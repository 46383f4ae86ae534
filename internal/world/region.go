package world

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"terrainstream/internal/morton"
)

// ChunkNamePrefix prefixes the container name of every chunk.
const ChunkNamePrefix = "chunk_"

// ChunkKey is the Morton key identifying a chunk within one level.
type ChunkKey uint32

// Name returns the persisted container name for the chunk, e.g. "chunk_39".
func (k ChunkKey) Name() string {
	return ChunkNamePrefix + strconv.FormatUint(uint64(k), 10)
}

func (k ChunkKey) String() string {
	return k.Name()
}

// ParseChunkName inverts ChunkKey.Name.
func ParseChunkName(name string) (ChunkKey, error) {
	digits, ok := strings.CutPrefix(name, ChunkNamePrefix)
	if !ok {
		return 0, fmt.Errorf("chunk name %q missing %q prefix", name, ChunkNamePrefix)
	}
	v, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse chunk name %q: %w", name, err)
	}
	return ChunkKey(v), nil
}

// Coord is a chunk cell index in world axis order. Y is vertical; planar
// grids always leave it zero.
type Coord struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
	Z uint32 `json:"z"`
}

// Dims selects the key space of a grid.
type Dims uint8

const (
	// Planar keys interleave X and Z as a 2D Morton code.
	Planar Dims = 2
	// Volumetric keys interleave X, Y and Z as a 3D Morton code.
	Volumetric Dims = 3
)

// Key encodes c. Axis values beyond the key space are masked.
func (d Dims) Key(c Coord) ChunkKey {
	if d == Volumetric {
		return ChunkKey(morton.Encode3D(c.X, c.Y, c.Z))
	}
	return ChunkKey(morton.Encode2D(c.X, c.Z))
}

// Coord decodes k.
func (d Dims) Coord(k ChunkKey) Coord {
	if d == Volumetric {
		x, y, z := morton.Decode3D(uint32(k))
		return Coord{X: x, Y: y, Z: z}
	}
	x, z := morton.Decode2D(uint32(k))
	return Coord{X: x, Z: z}
}

// MaxAxis is the largest axis value representable without masking.
func (d Dims) MaxAxis() uint32 {
	if d == Volumetric {
		return morton.MaxAxis3D
	}
	return morton.MaxAxis2D
}

// Validate reports coordinates the key space would silently mask.
func (d Dims) Validate(c Coord) error {
	if d == Volumetric {
		return morton.Validate3D(c.X, c.Y, c.Z)
	}
	if c.Y != 0 {
		return fmt.Errorf("%w: planar coordinate %v has non-zero y", morton.ErrOutOfRange, c)
	}
	return morton.Validate2D(c.X, c.Z)
}

// Directions lists the face neighbors that exist in this key space.
func (d Dims) Directions() []Direction {
	if d == Volumetric {
		return []Direction{Left, Right, Down, Up, Backward, Forward}
	}
	return []Direction{Left, Right, Backward, Forward}
}

func (d Dims) String() string {
	switch d {
	case Planar:
		return "planar"
	case Volumetric:
		return "volumetric"
	default:
		return "dims(" + strconv.Itoa(int(d)) + ")"
	}
}

// Direction names a face neighbor.
type Direction uint8

const (
	Left     Direction = iota // -X
	Right                     // +X
	Down                      // -Y
	Up                        // +Y
	Backward                  // -Z
	Forward                   // +Z
)

var directionOffsets = [...][3]int{
	Left:     {-1, 0, 0},
	Right:    {1, 0, 0},
	Down:     {0, -1, 0},
	Up:       {0, 1, 0},
	Backward: {0, 0, -1},
	Forward:  {0, 0, 1},
}

var directionNames = [...]string{
	Left:     "left",
	Right:    "right",
	Down:     "down",
	Up:       "up",
	Backward: "backward",
	Forward:  "forward",
}

// Offset returns the unit step of d.
func (d Direction) Offset() (dx, dy, dz int) {
	o := directionOffsets[d]
	return o[0], o[1], o[2]
}

// Opposite returns the direction pointing back.
func (d Direction) Opposite() Direction {
	return d ^ 1
}

func (d Direction) String() string {
	if int(d) < len(directionNames) {
		return directionNames[d]
	}
	return "direction(" + strconv.Itoa(int(d)) + ")"
}

// Bounds is a world-space axis-aligned box.
type Bounds struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

// BoundsFromCenter builds a box of the given size around center.
func BoundsFromCenter(center, size mgl64.Vec3) Bounds {
	half := size.Mul(0.5)
	return Bounds{Min: center.Sub(half), Max: center.Add(half)}
}

func (b Bounds) Center() mgl64.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

func (b Bounds) Size() mgl64.Vec3 {
	return b.Max.Sub(b.Min)
}

// Contains reports whether p lies inside b, edges included.
func (b Bounds) Contains(p mgl64.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Intersects reports whether the boxes overlap or touch.
func (b Bounds) Intersects(o Bounds) bool {
	for i := 0; i < 3; i++ {
		if b.Max[i] < o.Min[i] || o.Max[i] < b.Min[i] {
			return false
		}
	}
	return true
}

// DistanceSquared returns the squared distance from p to the closest point
// of b, zero when p is inside.
func (b Bounds) DistanceSquared(p mgl64.Vec3) float64 {
	var sum float64
	for i := 0; i < 3; i++ {
		var d float64
		switch {
		case p[i] < b.Min[i]:
			d = b.Min[i] - p[i]
		case p[i] > b.Max[i]:
			d = p[i] - b.Max[i]
		}
		sum += d * d
	}
	return sum
}

// Grid maps world positions onto chunk coordinates of one key space.
type Grid struct {
	Dims     Dims
	Origin   mgl64.Vec3
	CellSize mgl64.Vec3
}

// NewGrid returns a grid with non-positive cell sizes replaced by 1.
func NewGrid(dims Dims, origin, cellSize mgl64.Vec3) Grid {
	if dims != Volumetric {
		dims = Planar
	}
	for i := 0; i < 3; i++ {
		if cellSize[i] <= 0 {
			cellSize[i] = 1
		}
	}
	return Grid{Dims: dims, Origin: origin, CellSize: cellSize}
}

// Scaled returns the grid one LOD step coarser.
func (g Grid) Scaled(factor float64) Grid {
	size := g.CellSize
	size[0] *= factor
	size[2] *= factor
	if g.Dims == Volumetric {
		size[1] *= factor
	}
	return Grid{Dims: g.Dims, Origin: g.Origin, CellSize: size}
}

// CellOf truncates p to the owning chunk coordinate. Positions below the
// origin or beyond the key space report false.
func (g Grid) CellOf(p mgl64.Vec3) (Coord, bool) {
	rel := p.Sub(g.Origin)
	var cell [3]uint32
	limit := float64(g.Dims.MaxAxis())
	for i := 0; i < 3; i++ {
		if i == 1 && g.Dims == Planar {
			continue
		}
		v := math.Trunc(rel[i] / g.CellSize[i])
		if math.IsNaN(v) || rel[i] < 0 || v > limit {
			return Coord{}, false
		}
		cell[i] = uint32(v)
	}
	return Coord{X: cell[0], Y: cell[1], Z: cell[2]}, true
}

// CellBounds returns the world box covered by c. Planar cells span one
// CellSize.Y of height above the origin.
func (g Grid) CellBounds(c Coord) Bounds {
	lo := mgl64.Vec3{
		g.Origin[0] + float64(c.X)*g.CellSize[0],
		g.Origin[1] + float64(c.Y)*g.CellSize[1],
		g.Origin[2] + float64(c.Z)*g.CellSize[2],
	}
	return Bounds{Min: lo, Max: lo.Add(g.CellSize)}
}
