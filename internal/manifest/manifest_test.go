package manifest

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrainstream/internal/world"
)

func TestLayerKeyRoundTrip(t *testing.T) {
	key := LayerKey(5, 2, 9)
	x, depth, z := SplitLayerKey(key)
	assert.Equal(t, [3]uint32{5, 2, 9}, [3]uint32{x, depth, z})
	assert.Equal(t, key.Name(), key.String())
}

func TestSlicingAndChunkSize(t *testing.T) {
	assert.Equal(t, 4, SlicingCount(2, 0))
	assert.Equal(t, 2, SlicingCount(2, 1))
	assert.Equal(t, 1, SlicingCount(2, 2))
	assert.Equal(t, 1, SlicingCount(2, 5))

	size := ChunkSize(mgl64.Vec3{1024, 600, 512}, 2, 0)
	assert.Equal(t, mgl64.Vec3{256, 600, 128}, size)
}

func TestAddUpserts(t *testing.T) {
	m := New(mgl64.Vec3{}, mgl64.Vec3{100, 10, 100}, 1)
	key := LayerKey(1, 1, 0)

	first := world.BoundsFromCenter(mgl64.Vec3{75, 5, 25}, mgl64.Vec3{50, 10, 50})
	rec := m.Add(key, first)
	assert.Equal(t, 0, rec.Level)
	assert.Equal(t, key.Name(), rec.Name)

	second := world.BoundsFromCenter(mgl64.Vec3{75, 5, 25}, mgl64.Vec3{10, 10, 10})
	m.Add(key, second)
	require.Equal(t, 1, m.Len())

	got, ok := m.Get(key)
	require.True(t, ok)
	assert.Equal(t, second, got.Bounds)

	assert.True(t, m.Remove(key))
	assert.False(t, m.Remove(key))
	assert.Zero(t, m.Len())
}

func TestSliceBuildsEveryLevel(t *testing.T) {
	m := New(mgl64.Vec3{}, mgl64.Vec3{400, 50, 400}, 2)
	require.NoError(t, m.Slice(1, 1))

	assert.Len(t, m.Layer(0), 16)
	assert.Len(t, m.Layer(1), 4)
	assert.Len(t, m.Layer(2), 1)
	assert.Len(t, m.Layer(-1), 21)

	top := m.Layer(2)[0]
	assert.Equal(t, LayerKey(0, 0, 0), top.Key)
	assert.Equal(t, mgl64.Vec3{200, 25, 200}, top.Bounds.Center())

	fine, ok := m.Get(LayerKey(3, 2, 1))
	require.True(t, ok)
	assert.Equal(t, 0, fine.Level)
	assert.Equal(t, mgl64.Vec3{350, 25, 150}, fine.Bounds.Center())
	assert.Equal(t, mgl64.Vec3{100, 50, 100}, fine.Bounds.Size())
}

func TestSliceSecondTileOffsetsCenters(t *testing.T) {
	m := New(mgl64.Vec3{}, mgl64.Vec3{100, 10, 100}, 1)
	require.NoError(t, m.SliceTile(1, 0, 0))

	rec, ok := m.Get(LayerKey(2, 1, 0))
	require.True(t, ok)
	assert.Equal(t, mgl64.Vec3{125, 5, 25}, rec.Bounds.Center())

	assert.Error(t, m.SliceTile(0, 0, 3))
}

func TestSortOrdersFinestFirstThenXThenZ(t *testing.T) {
	m := New(mgl64.Vec3{}, mgl64.Vec3{100, 10, 100}, 1)
	m.Add(LayerKey(0, 0, 0), world.Bounds{})
	m.Add(LayerKey(1, 1, 0), world.Bounds{})
	m.Add(LayerKey(0, 1, 1), world.Bounds{})
	m.Add(LayerKey(0, 1, 0), world.Bounds{})
	m.Sort()

	want := []world.ChunkKey{
		LayerKey(0, 1, 0),
		LayerKey(0, 1, 1),
		LayerKey(1, 1, 0),
		LayerKey(0, 0, 0),
	}
	got := make([]world.ChunkKey, 0, m.Len())
	for _, r := range m.Chunks {
		got = append(got, r.Key)
	}
	assert.Equal(t, want, got)

	// The index follows the new order.
	rec, ok := m.Get(LayerKey(0, 0, 0))
	require.True(t, ok)
	assert.Equal(t, 1, rec.Level)
}

func TestJSONRoundTrip(t *testing.T) {
	m := New(mgl64.Vec3{10, 0, 10}, mgl64.Vec3{200, 40, 200}, 1)
	require.NoError(t, m.Slice(1, 1))
	rec := m.Chunks[0]
	rec.Prefabs = []PrefabRecord{{ID: "oak-1", Asset: "trees/oak", Bounds: rec.Bounds}}
	m.Put(rec)

	var buf bytes.Buffer
	require.NoError(t, m.WriteJSON(&buf))
	assert.Contains(t, buf.String(), `"morton"`)

	decoded, err := ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.MaxLevel, decoded.MaxLevel)
	assert.Equal(t, m.Len(), decoded.Len())

	got, ok := decoded.Get(rec.Key)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestSaveFileAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "terrain.json")
	m := New(mgl64.Vec3{}, mgl64.Vec3{64, 8, 64}, 0)
	require.NoError(t, m.Slice(2, 2))
	require.NoError(t, m.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Len())
	require.NoError(t, loaded.Validate())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	m := New(mgl64.Vec3{}, mgl64.Vec3{0, 8, 64}, 0)
	assert.Error(t, m.Validate())
	m.TerrainSize = mgl64.Vec3{64, 8, 64}
	assert.NoError(t, m.Validate())
}
