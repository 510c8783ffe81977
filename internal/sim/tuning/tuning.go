package tuning

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"sophon.space/internal/sim/geom"
	"sophon.space/internal/sim/pattern"
)

const (
	MinChunkSize = 16
	MaxChunkSize = 256
)

var ErrInvalidChunkSize = errors.New("chunk size must be a power of two between 16 and 256")

// Mirror configures uploading map dumps and finished discovery logs to an S3-compatible bucket.
type Mirror struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"SECRET_ACCESS_KEY"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

// Tuning is the explorer's runtime configuration. Environment variable names follow the
// explorer's .env keys.
type Tuning struct {
	// Map import/export
	PreloadMap string `yaml:"preload_map" env:"PRELOAD_MAP"`
	ShouldDump bool   `yaml:"should_dump" env:"SHOULD_DUMP"`

	// Websocket
	IsWebsocketServer bool `yaml:"websocket_server" env:"IS_WEBSOCKET_SERVER"`
	Port              int  `yaml:"port" env:"PORT"`

	// Explorer
	ShouldExplore   bool    `yaml:"should_explore" env:"SHOULD_EXPLORE"`
	ExploreCores    int     `yaml:"explore_cores" env:"EXPLORE_CORES"`
	WorldRadius     int64   `yaml:"world_radius" env:"WORLD_RADIUS"`
	RadiusUpdates   bool    `yaml:"radius_updates" env:"RADIUS_UPDATES"`
	InitCoords      string  `yaml:"init_coords" env:"INIT_COORDS"`
	ChunkSize       int     `yaml:"chunk_size" env:"CHUNK_SIZE"`
	PerlinThreshold float64 `yaml:"perlin_threshold" env:"PERLIN_THRESHOLD"`
	ExplorePattern  string  `yaml:"explore_pattern" env:"EXPLORE_PATTERN"`
	PlanetRarity    uint32  `yaml:"planet_rarity" env:"PLANET_RARITY"`

	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	Mirror Mirror `yaml:"mirror" envPrefix:"MIRROR_"`
}

func Defaults() Tuning {
	return Tuning{
		ShouldDump:        true,
		IsWebsocketServer: true,
		Port:              8082,
		ShouldExplore:     true,
		ExploreCores:      max(1, runtime.GOMAXPROCS(0)/2),
		WorldRadius:       40500,
		InitCoords:        "0,0",
		ChunkSize:         MaxChunkSize,
		ExplorePattern:    pattern.NameSpiral,
		PlanetRarity:      16384,
		DataDir:           "data",
		Mirror:            Mirror{Workers: 2},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ApplyEnv overrides fields whose environment variable is set.
func (t *Tuning) ApplyEnv() error {
	if err := env.Parse(t); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadWithEnv is Load followed by ApplyEnv and Validate.
func LoadWithEnv(path string) (Tuning, error) {
	t, err := Load(path)
	if err != nil {
		return t, err
	}
	if err := t.ApplyEnv(); err != nil {
		return t, err
	}
	return t, t.Validate()
}

func (t Tuning) Validate() error {
	if t.ChunkSize < MinChunkSize || t.ChunkSize > MaxChunkSize || t.ChunkSize&(t.ChunkSize-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidChunkSize, t.ChunkSize)
	}
	if t.PlanetRarity == 0 {
		return errors.New("planet rarity must be > 0")
	}
	if t.ExploreCores < 1 {
		return fmt.Errorf("explore cores must be >= 1, got %d", t.ExploreCores)
	}
	if t.WorldRadius <= 0 {
		return fmt.Errorf("world radius must be > 0, got %d", t.WorldRadius)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("port out of range: %d", t.Port)
	}
	if !pattern.Known(t.ExplorePattern) {
		return fmt.Errorf("unknown explore pattern %q (known: %s)", t.ExplorePattern, strings.Join(pattern.Names(), ", "))
	}
	if _, err := t.Center(); err != nil {
		return err
	}
	if m := t.Mirror; m.Enabled {
		if m.Endpoint == "" || m.Bucket == "" || m.AccessKeyID == "" || m.SecretAccessKey == "" {
			return errors.New("mirror enabled but MIRROR_ENDPOINT/MIRROR_BUCKET/MIRROR_ACCESS_KEY_ID/MIRROR_SECRET_ACCESS_KEY are not all set")
		}
		if m.Workers < 1 {
			return fmt.Errorf("mirror workers must be >= 1, got %d", m.Workers)
		}
	}
	return nil
}

// Center parses InitCoords ("x,y").
func (t Tuning) Center() (geom.Coords, error) {
	c, err := geom.ParseCoords(t.InitCoords)
	if err != nil {
		return geom.Coords{}, fmt.Errorf("init coords %q: %w", t.InitCoords, err)
	}
	return c, nil
}

// Pattern builds the configured exploration pattern.
func (t Tuning) Pattern() (pattern.Pattern, error) {
	center, err := t.Center()
	if err != nil {
		return nil, err
	}
	return pattern.ByName(t.ExplorePattern, center, uint16(t.ChunkSize))
}
