package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a JSON and YAML friendly wrapper around time.Duration that
// accepts human readable strings such as "150ms" in configuration files
// while still allowing numeric representations when necessary.
type Duration time.Duration

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration using the canonical string representation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration from either a string (e.g. "250ms") or a
// numeric value representing nanoseconds. Empty strings and null values decode
// to zero.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("duration: empty value")
	}
	if string(b) == "null" {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("duration: decode string: %w", err)
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*d = Duration(time.Duration(f))
		return nil
	}
	return fmt.Errorf("duration: invalid value %s", string(b))
}

// MarshalYAML encodes the duration as its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: expected scalar at line %d", node.Line)
	}
	switch node.ShortTag() {
	case "!!int":
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("duration: decode int: %w", err)
		}
		*d = Duration(time.Duration(n))
		return nil
	case "!!null":
		*d = 0
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config captures the tunable parameters of a terrain streaming server.
type Config struct {
	Grid      GridConfig      `json:"grid" yaml:"grid"`
	Streaming StreamingConfig `json:"streaming" yaml:"streaming"`
	LOD       LODConfig       `json:"lod" yaml:"lod"`
	Terrain   TerrainConfig   `json:"terrain" yaml:"terrain"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Feed      FeedConfig      `json:"feed" yaml:"feed"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

type GridConfig struct {
	Dimensions int `json:"dimensions" yaml:"dimensions"` // 2 keys chunks by (x, z), 3 by (x, y, z)
}

type StreamingConfig struct {
	TickRate          Duration   `json:"tickRate" yaml:"tickRate"`                   // e.g. "100ms"
	MaxLoadsPerSecond float64    `json:"maxLoadsPerSecond" yaml:"maxLoadsPerSecond"` // 0 disables throttling
	LoadBurst         int        `json:"loadBurst" yaml:"loadBurst"`
	StartPosition     [3]float64 `json:"startPosition" yaml:"startPosition"`
	DetectorRadius    float64    `json:"detectorRadius" yaml:"detectorRadius"` // 0 streams by neighbor radius only
}

type LODConfig struct {
	Factor      int   `json:"factor" yaml:"factor"`           // coordinate ratio between levels
	LevelRadius []int `json:"levelRadius" yaml:"levelRadius"` // neighbor-walk depth per level
}

type TerrainConfig struct {
	Origin   [3]float64    `json:"origin" yaml:"origin"`
	TileSize [3]float64    `json:"tileSize" yaml:"tileSize"`
	TilesX   int           `json:"tilesX" yaml:"tilesX"`
	TilesZ   int           `json:"tilesZ" yaml:"tilesZ"`
	MaxLevel int           `json:"maxLevel" yaml:"maxLevel"`
	Scatter  ScatterConfig `json:"scatter" yaml:"scatter"`
}

type ScatterConfig struct {
	Seed        int64    `json:"seed" yaml:"seed"`
	Density     float64  `json:"density" yaml:"density"`
	Spacing     float64  `json:"spacing" yaml:"spacing"`
	PrefabSize  float64  `json:"prefabSize" yaml:"prefabSize"`
	Frequency   float64  `json:"frequency" yaml:"frequency"`
	Octaves     int      `json:"octaves" yaml:"octaves"`
	Persistence float64  `json:"persistence" yaml:"persistence"`
	Lacunarity  float64  `json:"lacunarity" yaml:"lacunarity"`
	Assets      []string `json:"assets" yaml:"assets"`
}

type StorageConfig struct {
	Backend         string `json:"backend" yaml:"backend"`         // memory, disk or leveldb
	Path            string `json:"path" yaml:"path"`               // log file or database directory
	Compression     string `json:"compression" yaml:"compression"` // none, lz4 or zstd
	ManifestSource  string `json:"manifestSource" yaml:"manifestSource"`
	ManifestCache   string `json:"manifestCache" yaml:"manifestCache"`
	PopulateWorkers int    `json:"populateWorkers" yaml:"populateWorkers"`
}

type FeedConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Listen       string   `json:"listen" yaml:"listen"` // ":19400"
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout"`
	SendBuffer   int      `json:"sendBuffer" yaml:"sendBuffer"` // queued envelopes per client
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
// An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration as YAML.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Grid: GridConfig{
			Dimensions: 2,
		},
		Streaming: StreamingConfig{
			TickRate:          Duration(100 * time.Millisecond),
			MaxLoadsPerSecond: 0,
			LoadBurst:         8,
			StartPosition:     [3]float64{0, 0, 0},
		},
		LOD: LODConfig{
			Factor:      2,
			LevelRadius: []int{2, 1, 1},
		},
		Terrain: TerrainConfig{
			Origin:   [3]float64{0, 0, 0},
			TileSize: [3]float64{1024, 256, 1024},
			TilesX:   2,
			TilesZ:   2,
			MaxLevel: 2,
			Scatter: ScatterConfig{
				Seed:        1337,
				Density:     0.35,
				Spacing:     16,
				PrefabSize:  4,
				Frequency:   0.004,
				Octaves:     3,
				Persistence: 0.5,
				Lacunarity:  2.0,
				Assets:      []string{"props/rock", "props/pine", "props/bush"},
			},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			Path:            "data/manifest",
			Compression:     "zstd",
			PopulateWorkers: 4,
		},
		Feed: FeedConfig{
			Enabled:      true,
			Listen:       ":19400",
			WriteTimeout: Duration(5 * time.Second),
			SendBuffer:   256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (c *Config) Validate() error {
	if c.Grid.Dimensions != 2 && c.Grid.Dimensions != 3 {
		return errors.New("grid.dimensions must be 2 or 3")
	}
	if c.Streaming.TickRate <= 0 {
		return errors.New("streaming.tickRate must be positive")
	}
	if c.Streaming.MaxLoadsPerSecond < 0 {
		return errors.New("streaming.maxLoadsPerSecond cannot be negative")
	}
	if c.Streaming.MaxLoadsPerSecond > 0 && c.Streaming.LoadBurst <= 0 {
		return errors.New("streaming.loadBurst must be positive when loads are throttled")
	}
	if c.Streaming.DetectorRadius < 0 {
		return errors.New("streaming.detectorRadius cannot be negative")
	}
	if c.LOD.Factor < 2 {
		return errors.New("lod.factor must be at least 2")
	}
	for i, r := range c.LOD.LevelRadius {
		if r < 0 {
			return fmt.Errorf("lod.levelRadius[%d] cannot be negative", i)
		}
	}
	if c.Terrain.TileSize[0] <= 0 || c.Terrain.TileSize[1] <= 0 || c.Terrain.TileSize[2] <= 0 {
		return errors.New("terrain.tileSize must be positive")
	}
	if c.Terrain.TilesX <= 0 || c.Terrain.TilesZ <= 0 {
		return errors.New("terrain tiles must be positive")
	}
	if c.Terrain.MaxLevel < 0 {
		return errors.New("terrain.maxLevel cannot be negative")
	}
	if c.Terrain.Scatter.Density < 0 || c.Terrain.Scatter.Density > 1 {
		return errors.New("terrain.scatter.density must be within [0, 1]")
	}
	switch c.Storage.Backend {
	case "memory":
	case "disk", "leveldb":
		if c.Storage.Path == "" {
			return errors.New("storage.path must be set for disk and leveldb backends")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Storage.Compression {
	case "", "none", "lz4", "zstd":
	default:
		return fmt.Errorf("storage.compression %q is not supported", c.Storage.Compression)
	}
	if c.Storage.PopulateWorkers < 0 {
		return errors.New("storage.populateWorkers cannot be negative")
	}
	if c.Feed.Enabled && c.Feed.Listen == "" {
		return errors.New("feed.listen must be set")
	}
	if c.Feed.SendBuffer < 0 {
		return errors.New("feed.sendBuffer cannot be negative")
	}
	return nil
}
