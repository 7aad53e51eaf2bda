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

// Package serverctx assembles one range server process (§4.0, §9):
// the DFS client, the coordinator lock naming this server's location, the
// metalog writer, the live range map, the update pipeline, the maintenance
// scheduler, the scanner registry and the stats dashboard, torn down in a
// fixed order on shutdown. It plays the role the teacher's main.go +
// storage.Init play together — wiring every subsystem into one runnable
// process — generalized from a single-process in-memory database to a
// clustered range server with durable recovery.
package serverctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dc0d/onexit"

	"github.com/launix-de/tabletserver/internal/coordinator"
	"github.com/launix-de/tabletserver/internal/dfs"
	"github.com/launix-de/tabletserver/internal/maintenance"
	"github.com/launix-de/tabletserver/internal/metalog"
	"github.com/launix-de/tabletserver/internal/pipeline"
	"github.com/launix-de/tabletserver/internal/scanner"
	"github.com/launix-de/tabletserver/internal/tablet"
	"github.com/launix-de/tabletserver/internal/wire"
)

// ServerContext owns every subsystem of one range server process. The zero
// value is not usable; construct with New.
type ServerContext struct {
	cfg Config
	log *Logger

	dfsClient   dfs.Client
	coordClient coordinator.Client
	lockHandle  coordinator.Handle

	metalogWriter *metalog.Writer

	Tables *TableRegistry
	Ranges *RangeTable

	Pipeline    *pipeline.Pipeline
	Maintenance *maintenance.Scheduler
	Scanners    *scanner.Registry
	Dashboard   *wire.Dashboard

	nextRangeID atomic.Int64
	nextTaskID  atomic.Int64

	teardown     []func() error
	shutdownOnce sync.Once
	shutdownErr  error
}

// New assembles a ServerContext from cfg: opens the DFS client, acquires
// this server's location lock, opens (recovering, if a prior log exists)
// the metalog writer, and wires the range map, update pipeline, maintenance
// scheduler and scanner registry together. It does not Start the pipeline
// or scheduler loops — call Start once every table schema a recovered
// range needs has been Registered.
func New(ctx context.Context, cfg Config, log *Logger) (*ServerContext, error) {
	if log == nil {
		log = NewLogger(nil, LevelInfo)
	}

	dfsClient, err := cfg.buildDFSClient()
	if err != nil {
		return nil, err
	}

	coordClient := coordinator.NewLocal(cfg.StoreDir)
	lockHandle, err := coordClient.Lock(ctx, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("serverctx: acquiring location lock %q: %w", cfg.Location, err)
	}

	reader := metalog.NewReader(dfsClient, cfg.MetalogDir, tablet.Definition())
	recovered, err := reader.Load(ctx)
	if err != nil {
		lockHandle.Release()
		return nil, fmt.Errorf("serverctx: loading metalog: %w", err)
	}
	mw, err := metalog.Open(ctx, dfsClient, nil, cfg.MetalogDir, tablet.Definition(), recovered, metalog.Options{})
	if err != nil {
		lockHandle.Release()
		return nil, fmt.Errorf("serverctx: opening metalog: %w", err)
	}

	sc := &ServerContext{
		cfg:           cfg,
		log:           log,
		dfsClient:     dfsClient,
		coordClient:   coordClient,
		lockHandle:    lockHandle,
		metalogWriter: mw,
		Tables:        NewTableRegistry(),
		Ranges:        NewRangeTable(),
	}
	sc.seedIDAllocators(recovered)

	mcfg := maintenance.DefaultConfig()
	if d, err := parseDuration(cfg.MaintenanceInterval, mcfg.Interval); err == nil {
		mcfg.Interval = d
	}
	if cfg.MaintenanceWorkers > 0 {
		mcfg.Workers = cfg.MaintenanceWorkers
	}
	if bytes, err := cfg.splitThresholdBytes(); err == nil {
		mcfg.SplitThreshold = bytes
	}
	if cfg.LowMemoryPercent > 0 {
		mcfg.LowMemoryPercent = cfg.LowMemoryPercent
	}
	if d, err := parseDuration(cfg.MemorySampleInterval, mcfg.MemorySampleInterval); err == nil {
		mcfg.MemorySampleInterval = d
	}
	sc.Maintenance = maintenance.New(sc.Ranges, sc, mcfg)

	pcfg := pipeline.DefaultConfig()
	if cfg.QueueDepth > 0 {
		pcfg.QueueDepth = cfg.QueueDepth
	}
	if d, err := parseDuration(cfg.GroupCommitInterval, pcfg.GroupCommitInterval); err == nil {
		pcfg.GroupCommitInterval = d
	}
	if bytes, err := cfg.updateCoalesceLimitBytes(); err == nil {
		pcfg.UpdateCoalesceLimit = bytes
	}
	if len(cfg.AlwaysSyncTableIDs) > 0 {
		always := make(map[string]bool, len(cfg.AlwaysSyncTableIDs))
		for _, id := range cfg.AlwaysSyncTableIDs {
			always[id] = true
		}
		pcfg.AlwaysSyncTableIDs = always
	}
	pcfg.LowMemory = sc.Maintenance.LowMemoryMode
	sc.Pipeline = pipeline.New(sc.Ranges, pcfg)

	sweep, _ := parseDuration(cfg.ScannerSweepInterval, 0)
	sc.Scanners = scanner.New(sweep)

	dashInterval, _ := parseDuration(cfg.DashboardInterval, 0)
	sc.Dashboard = wire.NewDashboard(dashInterval)
	sc.Dashboard.Register("maintenance", func() any { return sc.Maintenance.Stats() })
	sc.Dashboard.Register("scanner", func() any { return sc.Scanners.Stats() })

	onexit.Register(func() {
		if err := sc.Shutdown(); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	})

	return sc, nil
}

// seedIDAllocators primes the range-id and task-id counters above the
// highest id any recovered entity already used, so a restart never reissues
// an id a pre-crash process already assigned (§4.9's "the metalog is the
// source of truth for every id it hands out").
func (sc *ServerContext) seedIDAllocators(recovered *metalog.RecoverResult) {
	if recovered == nil {
		return
	}
	for id, e := range recovered.Entities {
		switch e.EntityType() {
		case tablet.EntityTypeRange:
			if id > sc.nextRangeID.Load() {
				sc.nextRangeID.Store(id)
			}
		case tablet.EntityTypeTaskRemoveTransferLog, tablet.EntityTypeTaskAcknowledgeRelinquish:
			if id > sc.nextTaskID.Load() {
				sc.nextTaskID.Store(id)
			}
		}
	}
}

// RecoveredRanges returns every RangeEntity the metalog recovery pass
// found, for a caller to match against its table schemas and reattach via
// AttachRecoveredRange before calling Start.
func (sc *ServerContext) RecoveredRanges(recovered *metalog.RecoverResult) []*tablet.RangeEntity {
	if recovered == nil {
		return nil
	}
	var out []*tablet.RangeEntity
	for _, e := range recovered.Entities {
		if re, ok := e.(*tablet.RangeEntity); ok {
			out = append(out, re)
		}
	}
	return out
}

// CreateRange allocates a fresh range id, constructs a brand-new Range in
// StateSteady spanning (startRow, endRow], persists its initial entity and
// registers it live. Used for a table's first range, or for a range created
// outside the split path (e.g. by an external placement decision).
func (sc *ServerContext) CreateRange(ctx context.Context, table *tablet.TableInfo, startRow, endRow []byte) (*tablet.Range, error) {
	id := sc.nextRangeID.Add(1)
	rng := tablet.NewRange(id, table, startRow, endRow, sc.dfsClient, sc.cfg.StoreDir, sc.metalogWriter, nil)
	if err := sc.metalogWriter.RecordState(ctx, rng.Entity()); err != nil {
		return nil, fmt.Errorf("serverctx: persisting new range %d: %w", id, err)
	}
	sc.Ranges.Add(rng)
	return rng, nil
}

// AttachRecoveredRange reconstructs a Range from a metalog-recovered entity
// and registers it live, for use during process startup before Start is
// called (§4.10 "Load").
func (sc *ServerContext) AttachRecoveredRange(table *tablet.TableInfo, entity *tablet.RangeEntity) *tablet.Range {
	rng := tablet.NewRange(entity.RangeID, table, entity.StartRow, entity.EndRow, sc.dfsClient, sc.cfg.StoreDir, sc.metalogWriter, entity)
	sc.Ranges.Add(rng)
	return rng
}

// Start launches the update pipeline and maintenance scheduler loops. Call
// once every recovered range has been reattached and its table registered.
func (sc *ServerContext) Start(ctx context.Context) {
	sc.Pipeline.Start(ctx)
	sc.Maintenance.Start(ctx)
}

// Shutdown tears every subsystem down in a fixed order: wire listener,
// maintenance workers, scanner registry, update pipeline, live range map,
// metalog writer, coordinator session. The DFS client has no teardown step
// (dfs.Client has no Close). The wire listener itself is
// owned by cmd/rangeserverd (an *http.Server has nothing this package needs
// to reach into), so it is closed by a teardown func cmd/rangeserverd
// pushes with AddTeardown before everything below it.
//
// Shutdown is idempotent: onexit's registered hook and an explicit caller
// (e.g. a test, or cmd/rangeserverd's own signal path) may both reach it,
// and only the first call actually tears anything down.
func (sc *ServerContext) Shutdown() error {
	sc.shutdownOnce.Do(func() {
		var firstErr error
		record := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}

		for i := len(sc.teardown) - 1; i >= 0; i-- {
			record(sc.teardown[i]())
		}

		sc.Maintenance.Stop()
		sc.Scanners.Close()
		sc.Pipeline.Stop()
		for _, rng := range sc.Ranges.Ranges() {
			record(rng.Close())
		}
		record(sc.metalogWriter.Close())
		record(sc.lockHandle.Release())
		sc.shutdownErr = firstErr
	})
	return sc.shutdownErr
}

// AddTeardown registers fn to run before the pipeline/scheduler/range map
// shutdown sequence, in LIFO order relative to other AddTeardown calls —
// the hook cmd/rangeserverd uses to close its wire listener first.
func (sc *ServerContext) AddTeardown(fn func() error) {
	sc.teardown = append(sc.teardown, fn)
}
