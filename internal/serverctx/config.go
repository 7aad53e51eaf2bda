/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package serverctx

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/launix-de/tabletserver/internal/dfs"
	"github.com/launix-de/tabletserver/internal/dfs/cephmod"
	"github.com/launix-de/tabletserver/internal/dfs/local"
	"github.com/launix-de/tabletserver/internal/dfs/s3mod"
)

// Config is a range server process's full configuration, the generalization
// of storage/settings.go's SettingsT from one in-process SCM runtime's
// toggles to one server's identity, storage backend and the ambient tuning
// knobs of the pipeline, maintenance scheduler and scanner registry. Byte
// sizes are human strings ("8MiB", "256MB") parsed with
// github.com/docker/go-units rather than bare integers, the same
// human-size convention erigon-lib's own config (present in this retrieval
// pack) uses for its cache and batch size flags.
type Config struct {
	Location string `toml:"location"` // this server's coordinator lock name (§3)

	MetalogDir string `toml:"metalog_dir"`
	StoreDir   string `toml:"store_dir"`

	ListenAddr    string `toml:"listen_addr"`
	DashboardAddr string `toml:"dashboard_addr"`

	DFS DFSConfig `toml:"dfs"`

	QueueDepth          int      `toml:"queue_depth"`
	GroupCommitInterval string   `toml:"group_commit_interval"` // time.ParseDuration string
	UpdateCoalesceLimit string   `toml:"update_coalesce_limit"` // human byte size
	AlwaysSyncTableIDs  []string `toml:"always_sync_table_ids"` // root/metadata/system tables that sync every commit (§4.8)

	MaintenanceInterval  string  `toml:"maintenance_interval"`
	MaintenanceWorkers   int64   `toml:"maintenance_workers"`
	SplitThreshold       string  `toml:"split_threshold"` // human byte size
	LowMemoryPercent     float64 `toml:"low_memory_percent"`
	MemorySampleInterval string  `toml:"memory_sample_interval"`

	ScannerSweepInterval string `toml:"scanner_sweep_interval"`
	ScannerDeadline      string `toml:"scanner_deadline"`

	DashboardInterval string `toml:"dashboard_interval"`
}

// DFSConfig selects and configures the DFS backend (§6's "external DFS
// collaborator", internal/dfs's three concrete clients).
type DFSConfig struct {
	Backend string         `toml:"backend"` // "local" (default), "s3", "ceph"
	Local   LocalDFSConfig `toml:"local"`
	S3      s3mod.Config   `toml:"s3"`
	Ceph    cephmod.Config `toml:"ceph"`
}

type LocalDFSConfig struct {
	Basepath string `toml:"basepath"`
}

// DefaultConfig mirrors storage/settings.go's Settings literal: a value a
// caller can take as-is for single-node development, then override fields
// from a loaded file.
func DefaultConfig() Config {
	return Config{
		Location:             "range-server-1",
		MetalogDir:           "data/metalog",
		StoreDir:             "data/stores",
		ListenAddr:           ":8871",
		DashboardAddr:        ":8872",
		DFS:                  DFSConfig{Backend: "local", Local: LocalDFSConfig{Basepath: "data/dfs"}},
		QueueDepth:           1024,
		GroupCommitInterval:  "100ms",
		UpdateCoalesceLimit:  "8MiB",
		MaintenanceInterval:  "5s",
		MaintenanceWorkers:   4,
		SplitThreshold:       "256MiB",
		LowMemoryPercent:     85,
		MemorySampleInterval: "1s",
		ScannerSweepInterval: "1s",
		ScannerDeadline:      "5m",
		DashboardInterval:    "1s",
	}
}

// LoadConfig reads and parses a TOML config file over DefaultConfig, so a
// file only needs to name the fields it overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("serverctx: reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("serverctx: parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) updateCoalesceLimitBytes() (int64, error) {
	if c.UpdateCoalesceLimit == "" {
		return 8 << 20, nil
	}
	return units.RAMInBytes(c.UpdateCoalesceLimit)
}

func (c Config) splitThresholdBytes() (int64, error) {
	if c.SplitThreshold == "" {
		return 256 << 20, nil
	}
	return units.RAMInBytes(c.SplitThreshold)
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// buildDFSClient constructs the configured DFS backend (§6).
func (c Config) buildDFSClient() (dfs.Client, error) {
	switch c.DFS.Backend {
	case "", "local":
		return local.New(c.DFS.Local.Basepath), nil
	case "s3":
		return s3mod.New(c.DFS.S3), nil
	case "ceph":
		return cephmod.New(c.DFS.Ceph), nil
	default:
		return nil, fmt.Errorf("serverctx: unknown dfs backend %q", c.DFS.Backend)
	}
}
