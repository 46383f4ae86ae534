package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"terrainstream/internal/config"
	"terrainstream/internal/manifest"
	"terrainstream/internal/network"
	"terrainstream/internal/terrain"
	"terrainstream/internal/world"
)

// Server streams a sliced terrain around a single observer and publishes
// visibility changes to websocket subscribers.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	manifest *manifest.Manifest
	codec    *manifest.Codec
	store    manifest.Store
	pyramid  *world.Pyramid
	detector *world.RadiusDetector
	events   *network.Queue
	hub      *network.Hub
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m, err := loadManifest(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	compression, err := manifest.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	codec, err := manifest.NewCodec(compression)
	if err != nil {
		return nil, err
	}
	store, err := manifest.Open(cfg.Storage.Backend, cfg.Storage.Path, codec, logger)
	if err != nil {
		codec.Close()
		return nil, err
	}
	synced, err := m.Sync(store)
	if err != nil {
		store.Close()
		codec.Close()
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	logger.Info("manifest stored",
		"backend", cfg.Storage.Backend,
		"written", synced.Written,
		"unchanged", synced.Unchanged,
		"deleted", synced.Deleted,
	)

	dims := world.Dims(cfg.Grid.Dimensions)
	opts := []world.Option{world.WithLogger(logger)}
	if cfg.Streaming.MaxLoadsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.Streaming.MaxLoadsPerSecond), cfg.Streaming.LoadBurst)
		opts = append(opts, world.WithLoadLimiter(limiter))
	}
	pyramid, err := world.NewPyramid(world.PyramidConfig{
		Base:   world.NewGrid(dims, m.Origin, m.BaseCellSize()),
		Levels: m.Levels(),
		Factor: uint32(cfg.LOD.Factor),
		Radii:  cfg.LOD.LevelRadius,
	}, opts...)
	if err != nil {
		store.Close()
		codec.Close()
		return nil, fmt.Errorf("build lod pyramid: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		manifest: m,
		codec:    codec,
		store:    store,
		pyramid:  pyramid,
		detector: world.NewRadiusDetector(mgl64.Vec3(cfg.Streaming.StartPosition), cfg.Streaming.DetectorRadius, dims == world.Planar),
		events:   network.NewQueue(),
	}

	stats, err := manifest.Populate(ctx, store, pyramid, srv.newPrefab, cfg.Storage.PopulateWorkers)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("populate chunks: %w", err)
	}
	logger.Info("chunks populated",
		"records", stats.Records,
		"prefabs", stats.Prefabs,
		"skipped", stats.Skipped,
		"levels", pyramid.Levels(),
		"backend", cfg.Storage.Backend,
	)

	if cfg.Feed.Enabled {
		srv.hub = network.NewHub(network.HubConfig{
			SendBuffer:   cfg.Feed.SendBuffer,
			WriteTimeout: cfg.Feed.WriteTimeout.Duration(),
			Logger:       logger,
		})
		srv.registerHandlers()
	}
	return srv, nil
}

func loadManifest(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*manifest.Manifest, error) {
	if src := cfg.Storage.ManifestSource; src != "" {
		dst := cfg.Storage.ManifestCache
		if dst == "" {
			dst = filepath.Join(os.TempDir(), "terrainstream", "manifest.json")
		}
		m, err := manifest.FetchFile(ctx, src, dst)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("validate manifest %s: %w", src, err)
		}
		logger.Info("manifest fetched", "source", src, "chunks", m.Len())
		return m, nil
	}

	t := cfg.Terrain
	m := manifest.New(mgl64.Vec3(t.Origin), mgl64.Vec3(t.TileSize), t.MaxLevel)
	if err := m.Slice(uint32(t.TilesX), uint32(t.TilesZ)); err != nil {
		return nil, fmt.Errorf("slice terrain: %w", err)
	}
	scatter := terrain.NewScatterer(terrain.ScatterConfig{
		Seed:        t.Scatter.Seed,
		Density:     t.Scatter.Density,
		Spacing:     t.Scatter.Spacing,
		PrefabSize:  t.Scatter.PrefabSize,
		Frequency:   t.Scatter.Frequency,
		Octaves:     t.Scatter.Octaves,
		Persistence: t.Scatter.Persistence,
		Lacunarity:  t.Scatter.Lacunarity,
		Assets:      t.Scatter.Assets,
	})
	props := scatter.Populate(m)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	logger.Info("manifest sliced", "chunks", m.Len(), "props", props)
	return m, nil
}

func (s *Server) registerHandlers() {
	s.hub.OnConnect(s.onConnect)
	s.hub.Register(network.MessagePosition, s.onPosition)
}

// Pyramid exposes the streaming graphs.
func (s *Server) Pyramid() *world.Pyramid { return s.pyramid }

// Position reports the observer position.
func (s *Server) Position() mgl64.Vec3 { return s.detector.Position() }

// Move relocates the observer; the next tick streams around it.
func (s *Server) Move(pos mgl64.Vec3) {
	s.detector.Move(pos)
}

// Handler serves the websocket feed on /ws and a liveness check on
// /healthz. It returns nil when the feed is disabled.
func (s *Server) Handler() http.Handler {
	if s.hub == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	var ln net.Listener
	if s.hub != nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Feed.Listen)
		if err != nil {
			return fmt.Errorf("listen feed: %w", err)
		}
		s.logger.Info("feed listening", "addr", ln.Addr().String())
	}

	g, ctx := errgroup.WithContext(ctx)
	streamDone := make(chan struct{})

	g.Go(func() error {
		defer close(streamDone)
		return s.streamLoop(ctx)
	})

	if ln != nil {
		httpServer := &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve feed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			// Let the final unload reach subscribers first.
			<-streamDone
			s.hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) streamLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Streaming.TickRate.Duration())
	defer ticker.Stop()

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			s.publish(s.pyramid.UnloadAll())
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// TickStats summarizes one streaming pass over every level.
type TickStats struct {
	Loaded   int
	Unloaded int
	Deferred int
	Events   int
}

// Tick runs one streaming pass around the observer and publishes the
// resulting events.
func (s *Server) Tick() TickStats {
	var transitions []world.Transition
	if s.detector.Radius > 0 {
		transitions = s.pyramid.Stream(s.detector)
	} else {
		transitions = s.pyramid.UpdateStreaming(s.detector.Position())
	}
	return s.publish(transitions)
}

// publish broadcasts chunk changes followed by the prefab events their
// callbacks queued.
func (s *Server) publish(transitions []world.Transition) TickStats {
	var stats TickStats
	for _, t := range transitions {
		stats.Loaded += len(t.Loaded)
		stats.Unloaded += len(t.Unloaded)
		stats.Deferred += t.Deferred

		graph := s.pyramid.Level(t.Level)
		for _, key := range t.Unloaded {
			stats.Events += s.broadcast(network.MessageChunkUnloaded, s.chunkEvent(graph, key))
		}
		for _, key := range t.Loaded {
			stats.Events += s.broadcast(network.MessageChunkLoaded, s.chunkEvent(graph, key))
		}
	}
	for _, ev := range s.events.Drain(0) {
		stats.Events += s.broadcast(ev.Type, ev.Payload)
	}

	if stats.Loaded > 0 || stats.Unloaded > 0 {
		s.logger.Info("streaming tick",
			"loaded", stats.Loaded,
			"unloaded", stats.Unloaded,
			"deferred", stats.Deferred,
			"events", stats.Events,
		)
	}
	return stats
}

func (s *Server) broadcast(msgType network.MessageType, payload any) int {
	if s.hub == nil {
		return 1
	}
	if err := s.hub.Broadcast(msgType, payload); err != nil {
		s.logger.Warn("broadcast event", "type", msgType, "error", err)
		return 0
	}
	return 1
}

func (s *Server) chunkEvent(graph *world.Graph, key world.ChunkKey) network.ChunkEvent {
	ev := network.ChunkEvent{Key: uint32(key), Name: key.Name()}
	if graph == nil {
		return ev
	}
	ev.Level = graph.Level()
	chunk, ok := graph.Chunk(key)
	if !ok {
		return ev
	}
	c := chunk.Coord()
	b := chunk.Bounds()
	ev.Coord = [3]uint32{c.X, c.Y, c.Z}
	ev.Min = [3]float64(b.Min)
	ev.Max = [3]float64(b.Max)
	return ev
}

func (s *Server) onConnect(client *network.Client) {
	hello := network.Hello{
		ClientID:   client.ID(),
		Dimensions: s.cfg.Grid.Dimensions,
		Levels:     s.pyramid.Levels(),
		Factor:     s.pyramid.Factor(),
	}
	if err := s.hub.Send(client.ID(), network.MessageHello, hello); err != nil {
		s.logger.Warn("send hello", "client", client.ID(), "error", err)
		return
	}

	// Late joiners get the current loaded set.
	for level := 0; level < s.pyramid.Levels(); level++ {
		graph := s.pyramid.Level(level)
		for _, key := range graph.LoadedKeys() {
			if err := s.hub.Send(client.ID(), network.MessageChunkLoaded, s.chunkEvent(graph, key)); err != nil {
				s.logger.Warn("send loaded snapshot", "client", client.ID(), "error", err)
				return
			}
		}
	}
}

func (s *Server) onPosition(ctx context.Context, client *network.Client, env network.Envelope) {
	pos, err := network.DecodePayload[network.Position](env)
	if err != nil {
		s.logger.Warn("decode position", "client", client.ID(), "error", err)
		return
	}
	s.Move(mgl64.Vec3{pos.X, pos.Y, pos.Z})
	s.logger.Debug("observer moved", "client", client.ID(), "x", pos.X, "y", pos.Y, "z", pos.Z)
	s.broadcast(network.MessagePosition, pos)
}

// Close releases the manifest store. Loaded chunks are left as they are.
func (s *Server) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.codec != nil {
		errs = append(errs, s.codec.Close())
		s.codec = nil
	}
	return errors.Join(errs...)
}
