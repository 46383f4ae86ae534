package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrainstream/internal/config"
	"terrainstream/internal/logging"
	"terrainstream/internal/manifest"
	"terrainstream/internal/network"
	"terrainstream/internal/world"
)

// testConfig describes one 64x64 tile sliced into three levels of 16, 32
// and 64 unit chunks, each carrying only its terrain patch.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Feed.Enabled = false
	cfg.Streaming.StartPosition = [3]float64{8, 0, 8}
	cfg.Terrain.TileSize = [3]float64{64, 16, 64}
	cfg.Terrain.TilesX = 1
	cfg.Terrain.TilesZ = 1
	cfg.Terrain.MaxLevel = 2
	cfg.Terrain.Scatter.Density = 0
	cfg.LOD.LevelRadius = []int{2, 1, 1}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func visiblePrefabs(g *world.Graph) int {
	n := 0
	g.ForEach(func(c *world.Chunk) bool {
		for _, p := range c.Prefabs() {
			if p.(*remotePrefab).Visible() {
				n++
			}
		}
		return true
	})
	return n
}

func TestNewPopulatesEveryLevel(t *testing.T) {
	srv := newTestServer(t, testConfig())

	p := srv.Pyramid()
	require.Equal(t, 3, p.Levels())
	for level, want := range []int{16, 4, 1} {
		assert.Equal(t, want, p.Level(level).Len(), "level %d", level)
	}

	chunk, ok := p.Level(1).ChunkAt(mgl64.Vec3{40, 0, 8})
	require.True(t, ok)
	require.Equal(t, 1, chunk.PrefabCount())
	assert.Equal(t, "terrain/lod1", chunk.Prefabs()[0].(*remotePrefab).rec.Asset)
}

func TestTickLoadsAroundStartPosition(t *testing.T) {
	srv := newTestServer(t, testConfig())

	stats := srv.Tick()
	// Radius 2 on the finest level reaches six chunks from the corner, the
	// coarser levels three each.
	assert.Equal(t, 12, stats.Loaded)
	assert.Zero(t, stats.Unloaded)
	// Twelve chunk events plus one shown patch per loaded chunk inside the
	// terrain.
	assert.Equal(t, 22, stats.Events)
	assert.Equal(t, 6, visiblePrefabs(srv.Pyramid().Level(0)))
	assert.Equal(t, 1, visiblePrefabs(srv.Pyramid().Level(2)))

	again := srv.Tick()
	assert.Zero(t, again.Loaded)
	assert.Zero(t, again.Unloaded)
	assert.Zero(t, again.Events)
}

func TestTickFollowsObserver(t *testing.T) {
	srv := newTestServer(t, testConfig())
	srv.Tick()

	origin, ok := srv.Pyramid().Level(0).ChunkAt(mgl64.Vec3{8, 0, 8})
	require.True(t, ok)
	require.True(t, origin.Loaded())

	srv.Move(mgl64.Vec3{56, 0, 56})
	stats := srv.Tick()
	assert.Positive(t, stats.Unloaded)
	assert.False(t, origin.Loaded())

	far, ok := srv.Pyramid().Level(0).ChunkAt(mgl64.Vec3{56, 0, 56})
	require.True(t, ok)
	assert.True(t, far.Loaded())
	assert.True(t, far.Prefabs()[0].(*remotePrefab).Visible())
	assert.False(t, origin.Prefabs()[0].(*remotePrefab).Visible())
}

func TestDetectorRadiusFiltersChunks(t *testing.T) {
	cfg := testConfig()
	cfg.Streaming.DetectorRadius = 1
	srv := newTestServer(t, cfg)

	srv.Tick()
	// Only the chunk under the observer is within one unit.
	assert.Len(t, srv.Pyramid().Level(0).LoadedKeys(), 1)
}

func TestLoadThrottling(t *testing.T) {
	cfg := testConfig()
	cfg.Streaming.MaxLoadsPerSecond = 0.001
	cfg.Streaming.LoadBurst = 4
	srv := newTestServer(t, cfg)

	stats := srv.Tick()
	assert.Equal(t, 4, stats.Loaded)
	assert.Equal(t, 8, stats.Deferred)
}

func TestPersistentBackends(t *testing.T) {
	for _, backend := range []string{manifest.BackendDisk, manifest.BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig()
			cfg.Storage.Backend = backend
			cfg.Storage.Compression = "lz4"
			cfg.Storage.Path = filepath.Join(t.TempDir(), "manifest")

			srv := newTestServer(t, cfg)
			assert.Equal(t, 12, srv.Tick().Loaded)
		})
	}
}

func TestRestartDropsChunksOfEarlierTerrain(t *testing.T) {
	for _, backend := range []string{manifest.BackendDisk, manifest.BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "manifest")

			wide := testConfig()
			wide.Storage.Backend = backend
			wide.Storage.Path = path
			wide.Terrain.TilesX = 2
			first, err := New(context.Background(), wide, logging.Discard())
			require.NoError(t, err)
			require.Equal(t, 32, first.Pyramid().Level(0).Len())
			require.NoError(t, first.Close())

			narrow := testConfig()
			narrow.Storage.Backend = backend
			narrow.Storage.Path = path
			second := newTestServer(t, narrow)
			for level, want := range []int{16, 4, 1} {
				assert.Equal(t, want, second.Pyramid().Level(level).Len(), "level %d", level)
			}
		})
	}
}

func TestManifestSourceIsFetched(t *testing.T) {
	dir := t.TempDir()
	m := manifest.New(mgl64.Vec3{}, mgl64.Vec3{32, 8, 32}, 1)
	require.NoError(t, m.Slice(1, 1))
	src := filepath.Join(dir, "published.json")
	require.NoError(t, m.SaveFile(src))

	cfg := testConfig()
	cfg.Storage.ManifestSource = src
	cfg.Storage.ManifestCache = filepath.Join(dir, "cache", "manifest.json")
	srv := newTestServer(t, cfg)

	require.Equal(t, 2, srv.Pyramid().Levels())
	assert.Equal(t, 4, srv.Pyramid().Level(0).Len())
	assert.FileExists(t, cfg.Storage.ManifestCache)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "tape"
	_, err := New(context.Background(), cfg, logging.Discard())
	assert.ErrorIs(t, err, manifest.ErrUnknownBackend)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) network.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := network.Decode(data)
	require.NoError(t, err)
	return env
}

func TestFeedPublishesStreamingEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.Enabled = true
	srv := newTestServer(t, cfg)
	srv.Tick()

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		httpSrv.Close()
	})

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	require.Equal(t, network.MessageHello, env.Type)
	hello, err := network.DecodePayload[network.Hello](env)
	require.NoError(t, err)
	assert.Equal(t, 3, hello.Levels)
	assert.Equal(t, 2, hello.Dimensions)

	for i := 0; i < 12; i++ {
		env := readEnvelope(t, conn)
		require.Equal(t, network.MessageChunkLoaded, env.Type)
	}

	data, err := network.Encode(network.Envelope{
		Type:    network.MessagePosition,
		Payload: []byte(`{"x":56,"y":0,"z":56}`),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	// The accepted position comes back to every subscriber.
	echo := readEnvelope(t, conn)
	require.Equal(t, network.MessagePosition, echo.Type)
	pos, err := network.DecodePayload[network.Position](echo)
	require.NoError(t, err)
	assert.Equal(t, network.Position{X: 56, Y: 0, Z: 56}, pos)
	assert.Equal(t, mgl64.Vec3{56, 0, 56}, srv.Position())

	stats := srv.Tick()
	require.Positive(t, stats.Events)

	seen := map[network.MessageType]int{}
	for i := 0; i < stats.Events; i++ {
		seen[readEnvelope(t, conn).Type]++
	}
	assert.Equal(t, stats.Unloaded, seen[network.MessageChunkUnloaded])
	assert.Equal(t, stats.Loaded, seen[network.MessageChunkLoaded])
	assert.Positive(t, seen[network.MessagePrefabShown])
	assert.Positive(t, seen[network.MessagePrefabHidden])
}

func TestRunUnloadsOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.Enabled = true
	cfg.Feed.Listen = "127.0.0.1:0"
	cfg.Streaming.TickRate = config.Duration(10 * time.Millisecond)
	srv := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	finest := srv.Pyramid().Level(0)
	require.Eventually(t, func() bool { return len(finest.LoadedKeys()) == 6 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Empty(t, finest.LoadedKeys())
	assert.Zero(t, visiblePrefabs(finest))
}
