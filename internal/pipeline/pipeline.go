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

// Package pipeline is the update pipeline (§4.8): three independently
// schedulable stages — qualify, commit, apply — connecting a caller's
// mutation batch to a Range's access groups. It generalizes the teacher's
// TxContext (transaction.go) from one in-process transaction's undo log to
// a three-stage pipeline whose durability boundary is a commit log instead
// of an undo log, and reuses shard.go's background-goroutine idiom for the
// stage loops themselves.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/tablet"
	"github.com/launix-de/tabletserver/internal/wire"
)

// RangeLocator resolves a row to its owning live Range, reporting false if
// the row falls outside every range this server currently holds for the
// table (§4.8 Qualify's "short-circuit updates whose rows fall outside any
// live range").
type RangeLocator interface {
	Lookup(tableID string, row []byte) (*tablet.Range, bool)
}

// LowMemory reports whether the maintenance scheduler currently has the
// server in low-memory mode, pausing update admission until it clears
// (§4.11, §5 "Back-pressure").
type LowMemory func() bool

// Mutation is one caller-supplied cell update before it has been routed to
// a range or assigned a revision (§4.8 Qualify). Offset/Length locate it
// within the caller's original request buffer so a CLOCK_SKEW or
// OUT_OF_RANGE response can point back at exactly the bytes rejected (§8 S4).
type Mutation struct {
	Cell             *cellkey.Cell
	Clock            int64 // caller-proposed revision/clock; 0 means "auto-assign"
	SchemaGeneration string
	Offset, Length   int
}

// Request is one caller's batch of mutations against a single table,
// submitted together and resolved together by Submit.
type Request struct {
	TableID   string
	Mutations []*Mutation
}

// Response is the per-mutation outcome of a Submit call, in the same order
// as Request.Mutations (§4.8 Apply: "send the batched responses back on the
// wire").
type Response struct {
	Mutation *Mutation
	Err      *wire.Error
}

// Config tunes the pipeline's queueing, group commit and sync-coalescing
// behavior (§4.8's "Commit"/"Group commit").
type Config struct {
	QueueDepth int // bounded queue depth per stage

	// GroupCommitInterval is the per-table group commit interval: small
	// updates that arrive within it are coalesced into a single commit-stage
	// pass, in addition to firing early once groupCommitFlushItems mutations
	// have accumulated for one range.
	GroupCommitInterval time.Duration

	// UpdateCoalesceLimit bounds how many accumulated bytes a log that
	// doesn't sync every commit (the "user" log) may hold unsynced before
	// the commit stage forces a sync point (§4.8 Commit).
	UpdateCoalesceLimit int64

	// AlwaysSyncTableIDs marks table ids whose commit log syncs every
	// commit rather than coalescing (the root, metadata and system logs,
	// §4.8 Commit / §4.10 Load's four ordered groups).
	AlwaysSyncTableIDs map[string]bool

	// LowMemory, if set, pauses the qualify stage's admission of new
	// requests while it reports true (§4.11, §5).
	LowMemory LowMemory
}

// DefaultConfig returns the pipeline's defaults: a modest queue depth, a
// 100ms group commit interval and an 8MiB coalesced-sync budget.
func DefaultConfig() Config {
	return Config{
		QueueDepth:          1024,
		GroupCommitInterval: 100 * time.Millisecond,
		UpdateCoalesceLimit: 8 << 20,
	}
}

// job is one in-flight Request working its way through the stages.
type job struct {
	req     *Request
	resp    []Response
	mu      sync.Mutex
	pending int
	done    chan struct{}
}

func (j *job) resolve(i int, err *wire.Error) {
	j.mu.Lock()
	j.resp[i] = Response{Mutation: j.req.Mutations[i], Err: err}
	j.pending--
	done := j.pending == 0
	j.mu.Unlock()
	if done {
		close(j.done)
	}
}

// batchItem is one mutation that has cleared Qualify, bound to a revision
// and the range that will apply it.
type batchItem struct {
	job      *job
	idx      int
	mutation *Mutation
	revision int64
}

// rangeBatch is the Commit/Apply stages' unit of work: every batchItem
// destined for one Range, possibly drawn from several concurrently
// submitted Requests via group commit.
type rangeBatch struct {
	rng   *tablet.Range
	items []batchItem
}

// Pipeline owns the three stage goroutines and the group-commit coalescer
// sitting between Qualify and Commit (§4.8).
type Pipeline struct {
	locator RangeLocator
	cfg     Config

	qualifyCh chan *job
	commitCh  chan *rangeBatch
	applyCh   chan *rangeBatch

	coalesceMu sync.Mutex
	pending    map[int64]*rangeBatch // range id -> accumulating batch
	pendingLen map[int64]int         // accumulated mutation count, for the byte-budget trigger

	unsyncedMu sync.Mutex
	unsynced   map[unsyncedKey]int64 // range id + access group name -> bytes appended since last sync

	wg   sync.WaitGroup
	stop chan struct{}
}

type unsyncedKey struct {
	rangeID int64
	group   string
}

// New constructs a Pipeline; call Start to begin running its stages.
func New(locator RangeLocator, cfg Config) *Pipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.GroupCommitInterval <= 0 {
		cfg.GroupCommitInterval = 100 * time.Millisecond
	}
	return &Pipeline{
		locator:    locator,
		cfg:        cfg,
		qualifyCh:  make(chan *job, cfg.QueueDepth),
		commitCh:   make(chan *rangeBatch, cfg.QueueDepth),
		applyCh:    make(chan *rangeBatch, cfg.QueueDepth),
		pending:    make(map[int64]*rangeBatch),
		pendingLen: make(map[int64]int),
		unsynced:   make(map[unsyncedKey]int64),
		stop:       make(chan struct{}),
	}
}

// Start launches the qualify, group-commit, commit and apply loops. Each
// runs until ctx is done or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(4)
	go p.runQualify(ctx)
	go p.runGroupCommit(ctx)
	go p.runCommit(ctx)
	go p.runApply(ctx)
}

// Stop signals every stage loop to exit and waits for them to drain.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Submit enqueues req's mutations and blocks until every one of them has an
// outcome (qualified-and-rejected, or applied), or ctx is done first.
func (p *Pipeline) Submit(ctx context.Context, req *Request) ([]Response, error) {
	j := &job{
		req:     req,
		resp:    make([]Response, len(req.Mutations)),
		pending: len(req.Mutations),
		done:    make(chan struct{}),
	}
	if len(req.Mutations) == 0 {
		return nil, nil
	}
	select {
	case p.qualifyCh <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		return nil, wire.New(wire.CodeServerShuttingDown, "pipeline: stopped")
	}
	select {
	case <-j.done:
		return j.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
