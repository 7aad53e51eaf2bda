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

// Package maintenance is the background scheduler (§4.11): on a timer, it
// samples AccessGroup.MaintenanceData across every live range, scores
// compact/split/relinquish candidates, and runs the top-K through a
// bounded worker pool. It generalizes the teacher's CacheManager
// (storage/cache.go) from "one goroutine draining an op channel, evicting
// by LRU once over a memory budget" to "one timer tick scoring candidates
// across many ranges, running the winners on a worker pool", and borrows
// gopsutil (present in the pack via erigon-lib's go.mod) for the
// system-wide memory sample the teacher's own CacheManager never needed
// because it tracked its own accounted budget rather than host memory.
package maintenance

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/launix-de/tabletserver/internal/tablet"
)

// RangeSource enumerates the ranges currently live on this server, the
// scheduler's view into the range table (internal/serverctx.RangeTable).
type RangeSource interface {
	Ranges() []*tablet.Range
}

// SplitExecutor carries out the sibling-range half of a split once the
// scheduler has proposed a row to split on: creating the new Range,
// recording SPLIT_LOG_INSTALLED/SPLIT_SHRUNK in the metalog and wiring the
// transfer log between them (§4.10). It needs TableInfo, the metalog
// writer and the DFS store directory, none of which this package owns, so
// serverctx implements it and injects it here.
type SplitExecutor interface {
	ExecuteSplit(ctx context.Context, rng *tablet.Range, splitRow []byte) error
}

// Config tunes candidate selection and the worker pool (§4.11, §5).
type Config struct {
	Interval       time.Duration // how often to score and dispatch candidates
	Workers        int64         // worker pool concurrency
	TopK           int           // how many candidates to run per tick
	SplitThreshold int64         // access group memory+store bytes that makes a range split-eligible

	// LowMemoryPercent is the host memory-used percentage at or above which
	// the scheduler enters low-memory mode (§5 "Back-pressure").
	LowMemoryPercent float64
	// MemorySampleInterval is how often the low-memory sampler polls host
	// memory; independent of Interval since it needs finer granularity.
	MemorySampleInterval time.Duration

	// ShouldRelinquish, if set, is consulted per range each tick; a range
	// it reports true for is proposed as a relinquish candidate (§4.10
	// "Relinquish" is normally driven by an external placement decision,
	// which this callback represents without the scheduler needing to know
	// what that authority is).
	ShouldRelinquish func(*tablet.Range) bool
}

// DefaultConfig returns the scheduler's defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Second,
		Workers:              4,
		TopK:                 8,
		SplitThreshold:       tablet.DefaultSplitThreshold,
		LowMemoryPercent:     85,
		MemorySampleInterval: time.Second,
	}
}

type candidateKind int

const (
	kindCompact candidateKind = iota
	kindSplit
	kindRelinquish
)

type candidate struct {
	kind        candidateKind
	rng         *tablet.Range
	accessGroup string
	priority    float64
}

// Scheduler runs the maintenance loop. The zero value is not usable;
// construct with New.
type Scheduler struct {
	source    RangeSource
	splitExec SplitExecutor
	cfg       Config

	sem *semaphore.Weighted

	lowMemory atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup

	statsMu      sync.Mutex
	lastRun      time.Time
	lastRunErrs  int
	compactions  int64
	splits       int64
	relinquishes int64
}

// New constructs a Scheduler; call Start to begin its timer loops.
func New(source RangeSource, splitExec SplitExecutor, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MemorySampleInterval <= 0 {
		cfg.MemorySampleInterval = time.Second
	}
	return &Scheduler{
		source:    source,
		splitExec: splitExec,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.Workers),
		stop:      make(chan struct{}),
	}
}

// Start launches the candidate-dispatch loop and the low-memory sampler.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.runLoop(ctx)
	go s.runMemorySampler(ctx)
}

// Stop signals both loops to exit and waits for in-flight worker-pool tasks
// to drain.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// LowMemoryMode reports whether the last memory sample was at or above
// Config.LowMemoryPercent. Wired into pipeline.Config.LowMemory as a method
// value so the update pipeline pauses admission under memory pressure
// (§4.11, §5).
func (s *Scheduler) LowMemoryMode() bool {
	return s.lowMemory.Load()
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) runMemorySampler(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.MemorySampleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				log.Printf("maintenance: memory sample failed: %v", err)
				continue
			}
			s.lowMemory.Store(vm.UsedPercent >= s.cfg.LowMemoryPercent)
		}
	}
}

// tick scores every candidate action across every live range, picks the
// top TopK by priority, and runs them on the worker pool. A low-memory
// sample taken mid-tick still lets already-admitted candidates finish; the
// pipeline's own LowMemory check is what actually pauses new updates.
func (s *Scheduler) tick(ctx context.Context) {
	candidates := s.collectCandidates()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })
	if len(candidates) > s.cfg.TopK {
		candidates = candidates[:s.cfg.TopK]
	}

	// g fans candidates out to the worker pool (errgroup.Group for the
	// wait, a semaphore for the admission bound ahead of each g.Go call,
	// since SetLimit alone would still let every candidate block inside
	// the group rather than before it). Each task always returns nil to g
	// — a candidate's failure must not cancel every other in-flight
	// candidate the way errgroup's default first-error cancellation would
	// (§4.11: one bad compaction shouldn't abort a tick's split work).
	g, gctx := errgroup.WithContext(ctx)
	var errCount atomic.Int32
	for _, c := range candidates {
		if err := s.sem.Acquire(gctx, 1); err != nil {
			break
		}
		c := c
		g.Go(func() error {
			defer s.sem.Release(1)
			if err := s.run(gctx, c); err != nil {
				errCount.Add(1)
				log.Printf("maintenance: %s on range %d failed: %v", kindName(c.kind), c.rng.ID(), err)
			}
			return nil
		})
	}
	g.Wait()

	s.statsMu.Lock()
	s.lastRun = time.Now()
	s.lastRunErrs = int(errCount.Load())
	s.statsMu.Unlock()
}

func (s *Scheduler) collectCandidates() []candidate {
	var out []candidate
	for _, rng := range s.source.Ranges() {
		if rng.State() != tablet.StateSteady {
			continue
		}
		if s.cfg.ShouldRelinquish != nil && s.cfg.ShouldRelinquish(rng) {
			out = append(out, candidate{kind: kindRelinquish, rng: rng, priority: 1e9})
			continue
		}
		var rangeBytes int64
		for name, md := range rng.MaintenanceData() {
			rangeBytes += md.MemoryUsed
			if md.ImmutableGenerations > 1 {
				priority := float64(md.ImmutableGenerations) * float64(md.MemoryUsed+1)
				out = append(out, candidate{kind: kindCompact, rng: rng, accessGroup: name, priority: priority})
			}
		}
		if s.splitExec != nil && rangeBytes >= s.cfg.SplitThreshold {
			out = append(out, candidate{kind: kindSplit, rng: rng, priority: float64(rangeBytes)})
		}
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, c candidate) error {
	switch c.kind {
	case kindCompact:
		err := c.rng.Compact(ctx, c.accessGroup)
		if err == nil {
			s.statsMu.Lock()
			s.compactions++
			s.statsMu.Unlock()
		}
		return err
	case kindSplit:
		splitRow := c.rng.SplitRowEstimate()
		if splitRow == nil {
			return nil
		}
		err := s.splitExec.ExecuteSplit(ctx, c.rng, splitRow)
		if err == nil {
			s.statsMu.Lock()
			s.splits++
			s.statsMu.Unlock()
		}
		return err
	case kindRelinquish:
		err := c.rng.ScheduleRelinquish(ctx)
		if err == nil {
			s.statsMu.Lock()
			s.relinquishes++
			s.statsMu.Unlock()
		}
		return err
	default:
		return nil
	}
}

func kindName(k candidateKind) string {
	switch k {
	case kindCompact:
		return "compact"
	case kindSplit:
		return "split"
	case kindRelinquish:
		return "relinquish"
	default:
		return "unknown"
	}
}

// Stats is the snapshot wire.Dashboard pulls from this scheduler.
func (s *Scheduler) Stats() map[string]any {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return map[string]any{
		"low_memory":    s.lowMemory.Load(),
		"last_run":      s.lastRun,
		"last_run_errs": s.lastRunErrs,
		"compactions":   s.compactions,
		"splits":        s.splits,
		"relinquishes":  s.relinquishes,
	}
}
