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

// Package accessgroup ties one column-family group's cell cache manager and
// cell stores together (§3, §4.2, §4.3): it is what a Range actually holds
// one of per access group, and the only place a mergescan.Source list is
// assembled for a scan. It generalizes the teacher's storageShard +
// repartitioning pair (storage/shard.go, storage/partition.go) from
// "rebuild this shard's columnar storage from its delta" to "merge this
// access group's frozen cell-cache generations into a fresh cell store",
// and its sampling-based pivot selection (partition.go's NewShardDimension)
// to split-row estimation across both in-memory and on-disk generations.
package accessgroup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launix-de/tabletserver/internal/cellcache"
	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/cellstore"
	"github.com/launix-de/tabletserver/internal/commitlog"
	"github.com/launix-de/tabletserver/internal/dfs"
	"github.com/launix-de/tabletserver/internal/mergescan"
	"github.com/launix-de/tabletserver/internal/scanctx"
)

// defaultCommitRollSize bounds how large a commit log fragment grows before
// it rolls (§4.7), sized the same as a cell store's own roll-size concern —
// large enough that a busy access group isn't constantly opening new
// fragments, small enough that recovery doesn't have to replay one huge
// file.
const defaultCommitRollSize = 64 << 20

// MaintenanceData summarizes one access group's compaction-relevant state,
// sampled by the maintenance scheduler (§4.11) to rank candidate actions
// across every live range.
type MaintenanceData struct {
	Name                 string
	MemoryUsed           int64
	ImmutableGenerations int
	CellStoreCount       int
	ScanCount            int64
	LastCompaction       time.Time
}

// AccessGroup owns one column-family group's storage: a cellcache.Manager
// for the mutable and recently-frozen generations, and the immutable cell
// stores already flushed to disk. Both Add and CreateScanner are safe for
// concurrent use; Compact runs from the maintenance worker pool and must
// not overlap with another Compact on the same AccessGroup (the range's
// update counter gating in §4.6 already serializes this upstream).
type AccessGroup struct {
	Name      string
	timeOrder cellkey.TimeOrder
	client    dfs.Client
	dir       string // DFS directory new cell store files are written into

	cache *cellcache.Manager

	mu             sync.RWMutex
	stores         []*cellstore.Reader
	nextStoreSeq   int
	lastCompaction time.Time
	commitLog      *commitlog.Writer // lazily opened by AppendCommitCells (§4.8 Commit)

	scanCount atomic.Int64
}

// New creates an access group with an empty cell cache and no cell stores
// yet; dir is where Compact writes new immutable runs.
func New(name string, client dfs.Client, dir string, timeOrder cellkey.TimeOrder) *AccessGroup {
	return &AccessGroup{
		Name:      name,
		timeOrder: timeOrder,
		client:    client,
		dir:       dir,
		cache:     cellcache.NewManager(timeOrder),
	}
}

// Add inserts one cell into the write cache (§4.6's add operation, called
// under the range's increment_update_counter hold).
func (ag *AccessGroup) Add(cell *cellkey.Cell) error {
	return ag.cache.Add(cell)
}

// TimeOrder reports the byte ordering this access group's keys encode
// Timestamp with, so a caller serializing a cell for this group's commit
// log (the update pipeline's commit stage) encodes it consistently with how
// a replay will decode it.
func (ag *AccessGroup) TimeOrder() cellkey.TimeOrder {
	return ag.timeOrder
}

// commitLogWriter opens this access group's commit log on first use,
// double-checked under mu so concurrent commit-stage batches touching the
// same access group don't race to open it twice.
func (ag *AccessGroup) commitLogWriter(ctx context.Context) (*commitlog.Writer, error) {
	ag.mu.RLock()
	w := ag.commitLog
	ag.mu.RUnlock()
	if w != nil {
		return w, nil
	}
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if ag.commitLog != nil {
		return ag.commitLog, nil
	}
	w, err := commitlog.NewWriter(ctx, ag.client, ag.dir+"/commit", defaultCommitRollSize)
	if err != nil {
		return nil, err
	}
	ag.commitLog = w
	return w, nil
}

// AppendCommitCells encodes cells in this access group's configured time
// order and durably appends them as one block to its commit log before the
// update pipeline's apply stage makes them visible in the cell cache (§4.7,
// §4.8 Commit: "serialize each per-range batch to its access group's commit
// log"). sync forces an fsync of this block; the caller (the commit stage)
// decides whether this batch belongs to a log that syncs every commit or
// one that coalesces sync points up to UpdateCoalesceLimit.
func (ag *AccessGroup) AppendCommitCells(ctx context.Context, cells []*cellkey.Cell, revMin, revMax int64, sync bool) error {
	var buf []byte
	for _, c := range cells {
		var err error
		buf, err = cellkey.EncodeEntry(buf, c, ag.timeOrder)
		if err != nil {
			return err
		}
	}
	w, err := ag.commitLogWriter(ctx)
	if err != nil {
		return err
	}
	return w.Append(ctx, buf, commitlog.CodecLZ4, revMin, revMax, sync)
}

// SyncCommitLog forces a durability sync point without appending. The
// commit stage does not call it: it requests sync points through
// AppendCommitCells' sync flag once UpdateCoalesceLimit is reached.
func (ag *AccessGroup) SyncCommitLog() error {
	ag.mu.RLock()
	w := ag.commitLog
	ag.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.Sync()
}

// Close releases this access group's commit log, if one was ever opened.
// Part of ServerContext's fixed teardown order (§9): ranges close before
// the metalog writer.
func (ag *AccessGroup) Close() error {
	ag.mu.RLock()
	w := ag.commitLog
	ag.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Freeze rotates the write cache, returning the frozen generation. Called by
// the maintenance scheduler before a compaction, and by the split/relinquish
// path so a transfer log's snapshot boundary is well-defined.
func (ag *AccessGroup) Freeze() *cellcache.CellCache {
	return ag.cache.Freeze()
}

// MemoryUsed sums the accounted bytes across every in-memory generation.
func (ag *AccessGroup) MemoryUsed() int64 {
	return ag.cache.MemoryUsed()
}

// sources assembles every cell cache generation and cell store as a
// mergescan.Source, in an order the merge heap's key comparison makes
// irrelevant (it is a set, not a sequence).
func (ag *AccessGroup) sources() []mergescan.Source {
	gens := ag.cache.Scanners()
	ag.mu.RLock()
	stores := make([]*cellstore.Reader, len(ag.stores))
	copy(stores, ag.stores)
	ag.mu.RUnlock()

	out := make([]mergescan.Source, 0, len(gens)+len(stores))
	for _, g := range gens {
		out = append(out, mergescan.SourceFunc(g.Scan))
	}
	for _, s := range stores {
		out = append(out, s)
	}
	return out
}

// CreateScanner returns a per-access-group merge scanner bound to this
// access group's current generations and cell stores, filtered by ctx
// (§4.4). The range-level scanner (internal/mergescan.Range) fans one of
// these in per participating access group.
func (ag *AccessGroup) CreateScanner(ctx *scanctx.Context) *mergescan.AccessGroup {
	ag.scanCount.Add(1)
	return mergescan.NewAccessGroup(ctx, ag.sources())
}

// MaintenanceData reports this access group's current compaction-relevant
// state for the maintenance scheduler's priority scoring (§4.11).
func (ag *AccessGroup) MaintenanceData() MaintenanceData {
	ag.mu.RLock()
	stores := len(ag.stores)
	last := ag.lastCompaction
	ag.mu.RUnlock()
	return MaintenanceData{
		Name:                 ag.Name,
		MemoryUsed:           ag.cache.MemoryUsed(),
		ImmutableGenerations: len(ag.cache.Immutable()),
		CellStoreCount:       stores,
		ScanCount:            ag.scanCount.Load(),
		LastCompaction:       last,
	}
}

// Compact merges every currently-frozen cell-cache generation into one
// sorted stream (cellcache.Manager.MergeImmutable's k-way heap merge),
// flushes it to a new cell store file, opens a reader for it, and drops the
// consumed generations. It is a no-op if no generation is currently frozen.
func (ag *AccessGroup) Compact(ctx context.Context) error {
	merged, consumed := ag.cache.MergeImmutable()
	if merged == nil {
		return nil
	}

	path, seq := ag.reserveStorePath()
	w, err := cellstore.Create(ctx, ag.client, path, ag.timeOrder, uint64(merged.Count()))
	if err != nil {
		return err
	}

	var addErr error
	merged.Scan(nil, nil, func(cell *cellkey.Cell) bool {
		if err := w.Add(cell); err != nil {
			addErr = err
			return false
		}
		return true
	})
	if addErr != nil {
		w.Close()
		return addErr
	}
	if err := w.Close(); err != nil {
		return err
	}

	reader, err := cellstore.Open(ctx, ag.client, path, ag.timeOrder)
	if err != nil {
		return err
	}

	ag.mu.Lock()
	ag.stores = append(ag.stores, reader)
	ag.lastCompaction = time.Now()
	if seq >= ag.nextStoreSeq {
		ag.nextStoreSeq = seq + 1
	}
	ag.mu.Unlock()

	ag.cache.DropMerged(consumed)
	return nil
}

// reserveStorePath allocates the next cell store file path under ag.dir.
func (ag *AccessGroup) reserveStorePath() (string, int) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	seq := ag.nextStoreSeq
	ag.nextStoreSeq++
	return fmt.Sprintf("%s/%d.cs", ag.dir, seq), seq
}

// SplitRowEstimateData samples up to n evenly-spaced distinct row keys
// across every cell-cache generation and cell store currently held, used by
// the range split path to propose a split row without fully sorting every
// row in the range (§4.6, §4.10).
func (ag *AccessGroup) SplitRowEstimateData(n int) [][]byte {
	if n <= 0 {
		return nil
	}
	var samples [][]byte
	for _, g := range ag.cache.Scanners() {
		samples = append(samples, g.SplitRowEstimateData(n)...)
	}
	ag.mu.RLock()
	stores := make([]*cellstore.Reader, len(ag.stores))
	copy(stores, ag.stores)
	ag.mu.RUnlock()
	for _, s := range stores {
		samples = append(samples, s.SampleRows(n)...)
	}
	return pickEvenRows(samples, n)
}

// pickEvenRows sorts rows, removes adjacent duplicates and returns up to n
// evenly-spaced entries from the result.
func pickEvenRows(rows [][]byte, n int) [][]byte {
	if len(rows) == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool { return cellkey.Compare(rows[i], rows[j]) < 0 })
	deduped := rows[:0]
	var last []byte
	for _, r := range rows {
		if last != nil && string(r) == string(last) {
			continue
		}
		deduped = append(deduped, r)
		last = r
	}
	if len(deduped) <= n {
		return deduped
	}
	stride := len(deduped) / n
	if stride < 1 {
		stride = 1
	}
	var out [][]byte
	for i := 0; i < len(deduped) && len(out) < n; i += stride {
		out = append(out, deduped[i])
	}
	return out
}
