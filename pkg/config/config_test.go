package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/qcserestipy/gomcrt/pkg/config"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threads != runtime.NumCPU() {
		t.Errorf("Threads = %d, want %d", cfg.Threads, runtime.NumCPU())
	}
	if cfg.Process.Size != 1 || cfg.Process.Rank != 0 {
		t.Errorf("default process config is rank %d of %d, want rank 0 of 1",
			cfg.Process.Rank, cfg.Process.Size)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gomcrt.toml")

	want := config.Default()
	want.Threads = 6
	want.Packets = 123456
	want.Seed = 7
	want.Process = config.ProcessConfig{
		Rank:            2,
		Size:            4,
		RootAddr:        "10.0.0.1:4097",
		DialTimeoutSecs: 30,
	}
	want.Status = config.StatusConfig{Enabled: true, Port: 9100}

	if err := config.Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("round trip changed the configuration:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestLoadRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("threads = [not toml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("Load accepted invalid TOML")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"defaults", func(c *config.Config) {}, true},
		{"negative packets", func(c *config.Config) { c.Packets = -1 }, false},
		{"zero size", func(c *config.Config) { c.Process.Size = 0 }, false},
		{"rank out of range", func(c *config.Config) { c.Process.Size = 2; c.Process.Rank = 2 }, false},
		{"negative rank", func(c *config.Config) { c.Process.Rank = -1 }, false},
		{"missing root addr", func(c *config.Config) { c.Process.Size = 2; c.Process.RootAddr = "" }, false},
		{"distributed", func(c *config.Config) { c.Process.Size = 3; c.Process.Rank = 1 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate accepted an invalid configuration")
			}
		})
	}
}
