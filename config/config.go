package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine  EngineConfig           `yaml:"engine"`
	Venues  map[string]VenueConfig `yaml:"venues"`
	Metrics MetricsConfig          `yaml:"metrics"`
}

type EngineConfig struct {
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	BufferCap        int           `yaml:"buffer_cap"`
	EmitDepth        int           `yaml:"emit_depth"`
	FetchDepth       int           `yaml:"fetch_depth"`
	ResyncWorkers    int           `yaml:"resync_workers"`
	SnapshotRPS      float64       `yaml:"snapshot_rps"`
}

type VenueConfig struct {
	Enabled bool     `yaml:"enabled"`
	Symbols []string `yaml:"symbols"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			SubscribeTimeout: 10 * time.Second,
			ReconnectMin:     time.Second,
			ReconnectMax:     30 * time.Second,
			BufferCap:        10,
			EmitDepth:        50,
			FetchDepth:       1000,
			ResyncWorkers:    2,
			SnapshotRPS:      5,
		},
		Metrics: MetricsConfig{Addr: ":8080"},
	}
}

// Load reads the yaml config at path on top of defaults. Venue credentials
// come from the environment; a .env file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
