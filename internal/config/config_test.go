package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestValidateDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should be valid: %v", err)
	}
}

func TestValidateDetectsInvalidConfigurations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "unsupported dimensions",
			mutate: func(cfg *Config) {
				cfg.Grid.Dimensions = 4
			},
			wantErr: "grid.dimensions must be 2 or 3",
		},
		{
			name: "zero tick rate",
			mutate: func(cfg *Config) {
				cfg.Streaming.TickRate = 0
			},
			wantErr: "streaming.tickRate must be positive",
		},
		{
			name: "throttle without burst",
			mutate: func(cfg *Config) {
				cfg.Streaming.MaxLoadsPerSecond = 10
				cfg.Streaming.LoadBurst = 0
			},
			wantErr: "streaming.loadBurst must be positive when loads are throttled",
		},
		{
			name: "lod factor too small",
			mutate: func(cfg *Config) {
				cfg.LOD.Factor = 1
			},
			wantErr: "lod.factor must be at least 2",
		},
		{
			name: "negative level radius",
			mutate: func(cfg *Config) {
				cfg.LOD.LevelRadius = []int{1, -1}
			},
			wantErr: "lod.levelRadius[1] cannot be negative",
		},
		{
			name: "flat tile",
			mutate: func(cfg *Config) {
				cfg.Terrain.TileSize[1] = 0
			},
			wantErr: "terrain.tileSize must be positive",
		},
		{
			name: "no tiles",
			mutate: func(cfg *Config) {
				cfg.Terrain.TilesZ = 0
			},
			wantErr: "terrain tiles must be positive",
		},
		{
			name: "density above one",
			mutate: func(cfg *Config) {
				cfg.Terrain.Scatter.Density = 1.5
			},
			wantErr: "terrain.scatter.density must be within [0, 1]",
		},
		{
			name: "unknown backend",
			mutate: func(cfg *Config) {
				cfg.Storage.Backend = "redis"
			},
			wantErr: `storage.backend "redis" is not supported`,
		},
		{
			name: "disk backend without path",
			mutate: func(cfg *Config) {
				cfg.Storage.Backend = "disk"
				cfg.Storage.Path = ""
			},
			wantErr: "storage.path must be set for disk and leveldb backends",
		},
		{
			name: "unknown compression",
			mutate: func(cfg *Config) {
				cfg.Storage.Compression = "brotli"
			},
			wantErr: `storage.compression "brotli" is not supported`,
		},
		{
			name: "feed without listen address",
			mutate: func(cfg *Config) {
				cfg.Feed.Listen = ""
			},
			wantErr: "feed.listen must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if err.Error() != tt.wantErr {
				t.Fatalf("unexpected error: got %q want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDisabledFeedSkipsListenCheck(t *testing.T) {
	cfg := Default()
	cfg.Feed.Enabled = false
	cfg.Feed.Listen = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled feed should not require a listen address: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	if want := Default(); !reflect.DeepEqual(cfg, want) {
		t.Fatalf("default configuration mismatch:\nwant: %#v\n got: %#v", want, cfg)
	}
}

func TestLoadReadsJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Grid.Dimensions = 3
	cfg.Streaming.TickRate = Duration(250 * time.Millisecond)
	cfg.LOD.LevelRadius = []int{3, 2}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Fatalf("loaded configuration mismatch:\nwant: %#v\n got: %#v", cfg, got)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	contents := `
grid:
  dimensions: 3
streaming:
  tickRate: 50ms
lod:
  factor: 4
  levelRadius: [2]
storage:
  backend: leveldb
  path: /var/lib/terrain
  compression: lz4
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got.Grid.Dimensions != 3 {
		t.Fatalf("unexpected dimensions: %d", got.Grid.Dimensions)
	}
	if got.Streaming.TickRate.Duration() != 50*time.Millisecond {
		t.Fatalf("unexpected tick rate: %v", got.Streaming.TickRate.Duration())
	}
	if got.LOD.Factor != 4 || !reflect.DeepEqual(got.LOD.LevelRadius, []int{2}) {
		t.Fatalf("unexpected lod section: %#v", got.LOD)
	}
	if got.Storage.Backend != "leveldb" || got.Storage.Compression != "lz4" {
		t.Fatalf("unexpected storage section: %#v", got.Storage)
	}
	// Untouched sections keep their defaults.
	if got.Feed.Listen != Default().Feed.Listen {
		t.Fatalf("feed defaults lost: %#v", got.Feed)
	}
}

func TestLoadInvalidConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.Terrain.TilesX = 0

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err = Load(path)
	if err == nil {
		t.Fatalf("expected load to fail")
	}
	if !strings.Contains(err.Error(), "validate config: terrain tiles must be positive") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.HasPrefix(err.Error(), "open config:") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "terrain.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if want := Default(); !reflect.DeepEqual(got, want) {
		t.Fatalf("default round trip mismatch:\nwant: %#v\n got: %#v", want, got)
	}
}

func TestDurationDecoding(t *testing.T) {
	tests := []struct {
		name string
		json string
		want time.Duration
	}{
		{name: "string", json: `"1.5s"`, want: 1500 * time.Millisecond},
		{name: "nanoseconds", json: `2000`, want: 2000},
		{name: "empty string", json: `""`, want: 0},
		{name: "null", json: `null`, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			if err := json.Unmarshal([]byte(tt.json), &d); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if d.Duration() != tt.want {
				t.Fatalf("got %v want %v", d.Duration(), tt.want)
			}
		})
	}

	var d Duration
	if err := yaml.Unmarshal([]byte(`750ms`), &d); err != nil {
		t.Fatalf("yaml unmarshal: %v", err)
	}
	if d.Duration() != 750*time.Millisecond {
		t.Fatalf("yaml duration: got %v", d.Duration())
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}
