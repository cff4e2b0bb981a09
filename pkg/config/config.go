// Package config loads and saves the TOML run configuration that describes
// one simulation process: its worker threads, its place in the process
// group, and the optional status server.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable of a simulation run.
type Config struct {
	// Threads is the number of worker threads per process; 0 means one per
	// CPU core.
	Threads int `toml:"threads"`
	// Packets is the number of photon packets the demo driver launches
	// across the whole group.
	Packets int64 `toml:"packets"`
	// Seed is the base random seed; each rank and chunk derives its own
	// stream from it, so a run with the same process and thread
	// configuration reproduces bit-exact results.
	Seed int64 `toml:"seed"`

	Process ProcessConfig `toml:"process"`
	Status  StatusConfig  `toml:"status"`
}

// ProcessConfig describes this process's membership in the process group.
// Every process of a run must agree on size and root_addr.
type ProcessConfig struct {
	Rank            int    `toml:"rank"`
	Size            int    `toml:"size"`
	RootAddr        string `toml:"root_addr"`
	DialTimeoutSecs int    `toml:"dial_timeout_secs"`
}

// StatusConfig controls the per-process HTTP status server. Each rank
// serves on port+rank so processes sharing a host do not collide.
type StatusConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Default returns the configuration of a standalone single-process run.
func Default() Config {
	return Config{
		Threads: runtime.NumCPU(),
		Packets: 10_000_000,
		Seed:    42,
		Process: ProcessConfig{
			Rank:            0,
			Size:            1,
			RootAddr:        "127.0.0.1:4097",
			DialTimeoutSecs: 10,
		},
		Status: StatusConfig{
			Enabled: false,
			Port:    8080,
		},
	}
}

// Load reads the configuration from path. A missing file falls back to the
// defaults so a bare binary still runs standalone.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML.
func Save(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.Packets < 0 {
		return fmt.Errorf("packets is %d, must not be negative", c.Packets)
	}
	if c.Process.Size < 1 {
		return fmt.Errorf("process.size is %d, must be at least 1", c.Process.Size)
	}
	if c.Process.Rank < 0 || c.Process.Rank >= c.Process.Size {
		return fmt.Errorf("process.rank is %d, must be in [0, %d)", c.Process.Rank, c.Process.Size)
	}
	if c.Process.Size > 1 && c.Process.RootAddr == "" {
		return fmt.Errorf("process.root_addr is required for a group of size %d", c.Process.Size)
	}
	return nil
}
