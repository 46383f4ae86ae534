// Package manifest describes how terrain is sliced into chunks per LOD level
// and persists the resulting records.
//
// Manifest keys are 3D Morton codes of (x, depth, z) where depth counts
// subdivisions of a terrain tile: the coarsest level has depth 0 and the
// finest has depth MaxLevel. Records keep their LOD level (0 finest)
// alongside the key.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"terrainstream/internal/morton"
	"terrainstream/internal/world"
)

// PrefabRecord is one placed object inside a chunk.
type PrefabRecord struct {
	ID     string       `json:"id"`
	Asset  string       `json:"asset"`
	Bounds world.Bounds `json:"bounds"`
}

// Record describes one chunk of one level.
type Record struct {
	Key     world.ChunkKey `json:"morton"`
	Level   int            `json:"level"`
	Name    string         `json:"name"`
	Bounds  world.Bounds   `json:"bounds"`
	Prefabs []PrefabRecord `json:"prefabs,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	r.Prefabs = append([]PrefabRecord(nil), r.Prefabs...)
	return r
}

// Manifest is the chunk table of a sliced terrain.
type Manifest struct {
	DataDir string `json:"dataDir,omitempty"`
	// MaxLevel is the coarsest LOD level; level MaxLevel is a single chunk
	// per tile.
	MaxLevel    int        `json:"maxLevel"`
	Origin      mgl64.Vec3 `json:"origin"`
	TerrainSize mgl64.Vec3 `json:"terrainSize"`
	Chunks      []Record   `json:"chunks"`

	index map[world.ChunkKey]int
}

// New returns an empty manifest for terrain tiles of the given size.
func New(origin, terrainSize mgl64.Vec3, maxLevel int) *Manifest {
	if maxLevel < 0 {
		maxLevel = 0
	}
	return &Manifest{
		MaxLevel:    maxLevel,
		Origin:      origin,
		TerrainSize: terrainSize,
		index:       make(map[world.ChunkKey]int),
	}
}

// LayerKey encodes a chunk index and subdivision depth.
func LayerKey(x, depth, z uint32) world.ChunkKey {
	return world.ChunkKey(morton.Encode3D(x, depth, z))
}

// SplitLayerKey inverts LayerKey.
func SplitLayerKey(key world.ChunkKey) (x, depth, z uint32) {
	return morton.Decode3D(uint32(key))
}

// SlicingCount is the number of chunks per tile axis at level.
func SlicingCount(maxLevel, level int) int {
	n := maxLevel - level
	if n <= 0 {
		return 1
	}
	return 1 << n
}

// ChunkSize divides the horizontal terrain size by the slicing count of
// level. Height is unchanged.
func ChunkSize(terrainSize mgl64.Vec3, maxLevel, level int) mgl64.Vec3 {
	n := float64(SlicingCount(maxLevel, level))
	return mgl64.Vec3{terrainSize[0] / n, terrainSize[1], terrainSize[2] / n}
}

// Depth converts an LOD level into the key depth.
func (m *Manifest) Depth(level int) uint32 {
	if level >= m.MaxLevel {
		return 0
	}
	return uint32(m.MaxLevel - level)
}

// Level converts a key depth back into an LOD level.
func (m *Manifest) Level(depth uint32) int {
	return m.MaxLevel - int(depth)
}

// Len reports the number of records.
func (m *Manifest) Len() int { return len(m.Chunks) }

// Add inserts or updates the record for key, replacing its bounds. Level and
// name derive from the key.
func (m *Manifest) Add(key world.ChunkKey, bounds world.Bounds) *Record {
	m.ensureIndex()
	if i, ok := m.index[key]; ok {
		m.Chunks[i].Bounds = bounds
		return &m.Chunks[i]
	}
	_, depth, _ := SplitLayerKey(key)
	m.Chunks = append(m.Chunks, Record{
		Key:    key,
		Level:  m.Level(depth),
		Name:   key.Name(),
		Bounds: bounds,
	})
	m.index[key] = len(m.Chunks) - 1
	return &m.Chunks[len(m.Chunks)-1]
}

// Put inserts or replaces a whole record.
func (m *Manifest) Put(r Record) {
	m.ensureIndex()
	if r.Name == "" {
		r.Name = r.Key.Name()
	}
	if i, ok := m.index[r.Key]; ok {
		m.Chunks[i] = r
		return
	}
	m.Chunks = append(m.Chunks, r)
	m.index[r.Key] = len(m.Chunks) - 1
}

// Get returns a copy of the record for key.
func (m *Manifest) Get(key world.ChunkKey) (Record, bool) {
	m.ensureIndex()
	i, ok := m.index[key]
	if !ok {
		return Record{}, false
	}
	return m.Chunks[i].Clone(), true
}

// Remove deletes the record for key.
func (m *Manifest) Remove(key world.ChunkKey) bool {
	m.ensureIndex()
	i, ok := m.index[key]
	if !ok {
		return false
	}
	m.Chunks = append(m.Chunks[:i], m.Chunks[i+1:]...)
	m.reindex()
	return true
}

// Sort orders records finest level first, then by x, then by z.
func (m *Manifest) Sort() {
	sort.SliceStable(m.Chunks, func(i, j int) bool {
		xi, di, zi := SplitLayerKey(m.Chunks[i].Key)
		xj, dj, zj := SplitLayerKey(m.Chunks[j].Key)
		if di != dj {
			return di > dj
		}
		if xi != xj {
			return xi < xj
		}
		return zi < zj
	})
	m.reindex()
}

// Layer returns copies of the records of one level. A negative level
// returns every record.
func (m *Manifest) Layer(level int) []Record {
	out := make([]Record, 0, len(m.Chunks))
	for _, r := range m.Chunks {
		if level >= 0 {
			if _, depth, _ := SplitLayerKey(r.Key); m.Level(depth) != level {
				continue
			}
		}
		out = append(out, r.Clone())
	}
	return out
}

// SliceTile adds the chunks of one terrain tile at one level. Tiles are laid
// out along x and z starting at Origin.
func (m *Manifest) SliceTile(tileX, tileZ uint32, level int) error {
	if level < 0 || level > m.MaxLevel {
		return fmt.Errorf("level %d outside [0, %d]", level, m.MaxLevel)
	}
	slicing := uint32(SlicingCount(m.MaxLevel, level))
	size := ChunkSize(m.TerrainSize, m.MaxLevel, level)
	depth := m.Depth(level)
	for r := uint32(0); r < slicing; r++ {
		for c := uint32(0); c < slicing; c++ {
			gx := tileX*slicing + c
			gz := tileZ*slicing + r
			if err := morton.Validate3D(gx, depth, gz); err != nil {
				return fmt.Errorf("slice tile (%d, %d): %w", tileX, tileZ, err)
			}
			center := mgl64.Vec3{
				m.Origin[0] + (float64(gx)+0.5)*size[0],
				m.Origin[1] + size[1]/2,
				m.Origin[2] + (float64(gz)+0.5)*size[2],
			}
			m.Add(LayerKey(gx, depth, gz), world.BoundsFromCenter(center, size))
		}
	}
	return nil
}

// Slice adds every level of a tilesX by tilesZ terrain and sorts the result.
func (m *Manifest) Slice(tilesX, tilesZ uint32) error {
	for level := 0; level <= m.MaxLevel; level++ {
		for tz := uint32(0); tz < tilesZ; tz++ {
			for tx := uint32(0); tx < tilesX; tx++ {
				if err := m.SliceTile(tx, tz, level); err != nil {
					return err
				}
			}
		}
	}
	m.Sort()
	return nil
}

// BaseCellSize is the chunk size of level 0, the grid the finest streaming
// level should use.
func (m *Manifest) BaseCellSize() mgl64.Vec3 {
	return ChunkSize(m.TerrainSize, m.MaxLevel, 0)
}

// Levels reports how many LOD levels the manifest spans.
func (m *Manifest) Levels() int {
	return m.MaxLevel + 1
}

// SyncStats counts the changes Sync made to a store.
type SyncStats struct {
	Written   int
	Unchanged int
	Deleted   int
}

// compactor is implemented by stores that can drop superseded entries.
type compactor interface {
	Compact() error
}

// Save makes store hold exactly the records of m.
func (m *Manifest) Save(store Store) error {
	_, err := m.Sync(store)
	return err
}

// Sync writes the records of m that differ from the stored ones and
// deletes stored keys that m no longer has. Stores that support it are
// compacted afterwards.
func (m *Manifest) Sync(store Store) (SyncStats, error) {
	var stats SyncStats
	stored := make(map[world.ChunkKey]Record)
	if err := store.ForEach(func(r Record) bool {
		stored[r.Key] = r
		return true
	}); err != nil {
		return stats, fmt.Errorf("read stored records: %w", err)
	}

	for _, r := range m.Chunks {
		if prev, ok := stored[r.Key]; ok {
			delete(stored, r.Key)
			if sameRecord(prev, r) {
				stats.Unchanged++
				continue
			}
		}
		if err := store.Put(r); err != nil {
			return stats, fmt.Errorf("save %s: %w", r.Name, err)
		}
		stats.Written++
	}

	stale := make([]world.ChunkKey, 0, len(stored))
	for key := range stored {
		stale = append(stale, key)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, key := range stale {
		if err := store.Delete(key); err != nil {
			return stats, fmt.Errorf("delete %s: %w", key.Name(), err)
		}
		stats.Deleted++
	}

	if c, ok := store.(compactor); ok {
		if err := c.Compact(); err != nil {
			return stats, fmt.Errorf("compact store: %w", err)
		}
	}
	return stats, nil
}

// sameRecord compares records field by field; nil and empty prefab lists
// are equal since the JSON form omits both.
func sameRecord(a, b Record) bool {
	if a.Key != b.Key || a.Level != b.Level || a.Name != b.Name || a.Bounds != b.Bounds {
		return false
	}
	if len(a.Prefabs) != len(b.Prefabs) {
		return false
	}
	for i := range a.Prefabs {
		if a.Prefabs[i] != b.Prefabs[i] {
			return false
		}
	}
	return true
}

// ReadJSON decodes a manifest.
func ReadJSON(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for i := range m.Chunks {
		rec := &m.Chunks[i]
		if rec.Name == "" {
			rec.Name = rec.Key.Name()
		}
		_, depth, _ := SplitLayerKey(rec.Key)
		rec.Level = m.Level(depth)
	}
	m.reindex()
	return &m, nil
}

// WriteJSON encodes the manifest with indentation.
func (m *Manifest) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}

// LoadFile reads a manifest from a JSON file.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ReadJSON(f)
}

// SaveFile writes the manifest to path, creating parent directories.
func (m *Manifest) SaveFile(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manifest directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if err := m.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Manifest) ensureIndex() {
	if m.index == nil {
		m.reindex()
	}
}

func (m *Manifest) reindex() {
	m.index = make(map[world.ChunkKey]int, len(m.Chunks))
	for i, r := range m.Chunks {
		m.index[r.Key] = i
	}
}

func isFinite(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Validate checks the manifest header.
func (m *Manifest) Validate() error {
	if m.MaxLevel < 0 || m.MaxLevel > morton.MaxAxis3D {
		return fmt.Errorf("maxLevel %d out of range", m.MaxLevel)
	}
	if !isFinite(m.Origin) || !isFinite(m.TerrainSize) {
		return errors.New("origin and terrainSize must be finite")
	}
	if m.TerrainSize[0] <= 0 || m.TerrainSize[2] <= 0 {
		return errors.New("terrainSize must be positive on x and z")
	}
	return nil
}
