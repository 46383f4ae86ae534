// Package terrain seeds chunk manifests with procedurally placed prefabs.
package terrain

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"terrainstream/internal/manifest"
	"terrainstream/internal/world"
)

// ScatterConfig tunes prefab placement.
type ScatterConfig struct {
	Seed int64
	// Density is the placement probability of one sample cell where the
	// noise mask is at its maximum.
	Density float64
	// Spacing is the edge of a sample cell in world units.
	Spacing     float64
	PrefabSize  float64
	Frequency   float64
	Octaves     int
	Persistence float64
	Lacunarity  float64
	Assets      []string
}

// Scatterer places prefabs with hashed value noise. The same seed always
// yields the same placements.
type Scatterer struct {
	cfg ScatterConfig
}

func NewScatterer(cfg ScatterConfig) *Scatterer {
	if cfg.Spacing <= 0 {
		cfg.Spacing = 8
	}
	if cfg.PrefabSize <= 0 {
		cfg.PrefabSize = 2
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 0.01
	}
	if cfg.Octaves <= 0 {
		cfg.Octaves = 3
	}
	if cfg.Persistence <= 0 {
		cfg.Persistence = 0.5
	}
	if cfg.Lacunarity <= 0 {
		cfg.Lacunarity = 2
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = []string{"props/rock", "props/tree", "props/bush"}
	}
	return &Scatterer{cfg: cfg}
}

// Populate gives every record a terrain patch prefab and scatters props
// over the finest level. It returns the number of props placed.
func (s *Scatterer) Populate(m *manifest.Manifest) int {
	placed := 0
	for i := range m.Chunks {
		rec := &m.Chunks[i]
		rec.Prefabs = append(rec.Prefabs[:0], manifest.PrefabRecord{
			ID:     rec.Name + "-patch",
			Asset:  fmt.Sprintf("terrain/lod%d", rec.Level),
			Bounds: rec.Bounds,
		})
		if rec.Level != 0 {
			continue
		}
		props := s.Scatter(rec.Bounds)
		rec.Prefabs = append(rec.Prefabs, props...)
		placed += len(props)
	}
	return placed
}

// Scatter returns the props whose sample cells start inside bounds.
// Samples are aligned to world space so adjacent chunks never overlap.
func (s *Scatterer) Scatter(bounds world.Bounds) []manifest.PrefabRecord {
	spacing := s.cfg.Spacing
	x0 := int(math.Ceil(bounds.Min[0] / spacing))
	z0 := int(math.Ceil(bounds.Min[2] / spacing))
	x1 := int(math.Ceil(bounds.Max[0] / spacing))
	z1 := int(math.Ceil(bounds.Max[2] / spacing))

	var out []manifest.PrefabRecord
	for sx := x0; sx < x1; sx++ {
		for sz := z0; sz < z1; sz++ {
			mask := (s.fractalNoise(float64(sx)*spacing, float64(sz)*spacing) + 1) / 2
			rng := newDeterministicRNG(sx, sz, s.cfg.Seed)
			chance := float64(rng.next()&0xFFFF) / 0xFFFF
			if chance >= s.cfg.Density*mask {
				continue
			}

			jx := float64(rng.next()&0xFFFF) / 0x10000
			jz := float64(rng.next()&0xFFFF) / 0x10000
			asset := s.cfg.Assets[rng.nextInt(len(s.cfg.Assets))]
			size := s.cfg.PrefabSize
			center := mgl64.Vec3{
				(float64(sx) + jx) * spacing,
				bounds.Min[1] + size/2,
				(float64(sz) + jz) * spacing,
			}
			out = append(out, manifest.PrefabRecord{
				ID:     fmt.Sprintf("%s@%d,%d", asset, sx, sz),
				Asset:  asset,
				Bounds: world.BoundsFromCenter(center, mgl64.Vec3{size, size, size}),
			})
		}
	}
	return out
}

func (s *Scatterer) fractalNoise(x, y float64) float64 {
	frequency := s.cfg.Frequency
	amplitude := 1.0
	noiseSum := 0.0
	maxAmplitude := 0.0

	for i := 0; i < s.cfg.Octaves; i++ {
		noiseSum += s.valueNoise(x*frequency, y*frequency) * amplitude
		maxAmplitude += amplitude
		amplitude *= s.cfg.Persistence
		frequency *= s.cfg.Lacunarity
	}

	if maxAmplitude == 0 {
		return 0
	}
	return noiseSum / maxAmplitude
}

func (s *Scatterer) valueNoise(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	y1 := y0 + 1

	sx := smooth(x - float64(x0))
	sy := smooth(y - float64(y0))

	ix0 := lerp(random2D(x0, y0, s.cfg.Seed), random2D(x1, y0, s.cfg.Seed), sx)
	ix1 := lerp(random2D(x0, y1, s.cfg.Seed), random2D(x1, y1, s.cfg.Seed), sx)
	return lerp(ix0, ix1, sy)
}

type deterministicRNG struct {
	state uint64
}

func newDeterministicRNG(x, y int, seed int64) *deterministicRNG {
	state := uint64(uint32(x))<<32 ^ uint64(uint32(y))<<1 ^ uint64(seed)
	if state == 0 {
		state = 0x9e3779b97f4a7c15
	}
	return &deterministicRNG{state: state}
}

func (r *deterministicRNG) next() uint64 {
	r.state ^= r.state << 7
	r.state ^= r.state >> 9
	r.state ^= r.state << 8
	return r.state
}

func (r *deterministicRNG) nextInt(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

func random2D(x, y int, seed int64) float64 {
	return float64(hash3(x, y, int(seed))&0xFFFF)/0x8000 - 1.0
}

func hash3(x, y, z int) uint32 {
	h := uint32(x*374761393 + y*668265263 + z*2147483647)
	h = (h ^ (h >> 13)) * 1274126177
	return h ^ (h >> 16)
}
