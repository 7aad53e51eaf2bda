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

// Package cellcache is the in-memory, mutable half of an access group's
// storage (§4.2): cells land here first and are later frozen and flushed
// into an immutable cell store. It generalizes the teacher's storageShard
// (storage/shard.go) — delta inserts accumulating until a rebuild — from a
// column-oriented SCMER table to an ordered set of versioned cells keyed by
// the byte-comparable encoding in internal/cellkey, and its secondary-index
// b-tree (storage/index.go, github.com/google/btree) from a helper index
// structure to the cache's primary ordered storage.
package cellcache

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/launix-de/tabletserver/internal/cellkey"
)

type entry struct {
	key  []byte
	cell *cellkey.Cell
}

func less(a, b entry) bool {
	return cellkey.Compare(a.key, b.key) < 0
}

// CellCache is one ordered generation of cells. It is mutable until Freeze
// is called, after which Add panics — matching the teacher's pattern of a
// storageShard that stops taking inserts once rebuild() has spliced in a
// successor (storage/shard.go's t.next).
type CellCache struct {
	timeOrder cellkey.TimeOrder
	id        uint32 // generation sequence number, assigned by Manager.Freeze

	mu      sync.RWMutex
	tree    *btree.BTreeG[entry]
	frozen  atomic.Bool
	memUsed atomic.Int64
	deletes atomic.Int64
	count   atomic.Int64
}

// ID is the generation sequence number assigned when this cache was frozen
// by a Manager (zero for a cache that is still writable or was never
// managed), used by Manager's merged-generation bitmap to let holders of a
// stale snapshot recognize a generation has since been compacted away.
func (c *CellCache) ID() uint32 { return c.id }

// NewCellCache creates an empty, writable cache ordered per timeOrder (the
// owning access group's TS_CHRONOLOGICAL-derived family policy carried from
// §9's resolved open question: the cache is always keyed with revision
// encoded newest-first regardless of timeOrder, see internal/cellkey).
func NewCellCache(timeOrder cellkey.TimeOrder) *CellCache {
	return &CellCache{
		timeOrder: timeOrder,
		tree:      btree.NewG[entry](32, less),
	}
}

// Add inserts one cell into the cache. The cell is copied (value, qualifier
// and row are not retained from the caller's buffers) so the cache owns
// stable storage for the lifetime of the generation.
func (c *CellCache) Add(cell *cellkey.Cell) error {
	if c.frozen.Load() {
		panic("cellcache: Add called on a frozen generation")
	}
	key, err := cellkey.Encode(cell, c.timeOrder)
	if err != nil {
		return err
	}
	stored := *cell
	stored.Row = append([]byte(nil), cell.Row...)
	stored.Qualifier = append([]byte(nil), cell.Qualifier...)
	stored.Value = append([]byte(nil), cell.Value...)

	c.mu.Lock()
	c.tree.ReplaceOrInsert(entry{key: key, cell: &stored})
	c.mu.Unlock()

	c.memUsed.Add(int64(len(key) + len(stored.Value) + cellOverhead))
	c.count.Add(1)
	if cell.Flag.IsDelete() {
		c.deletes.Add(1)
	}
	return nil
}

// cellOverhead approximates the per-cell bookkeeping cost (btree node slot,
// Cell struct fields) so MemoryUsed tracks something closer to actual
// arena consumption than raw key+value bytes alone.
const cellOverhead = 64

// Freeze marks the generation immutable. After Freeze, Add must not be
// called; Scan and the estimate/accounting methods remain valid forever.
func (c *CellCache) Freeze() {
	c.frozen.Store(true)
}

func (c *CellCache) Frozen() bool { return c.frozen.Load() }

// MemoryUsed returns the accounted byte size of all live cells in the
// generation (§4.2's memory-pressure input to the maintenance scheduler).
func (c *CellCache) MemoryUsed() int64 { return c.memUsed.Load() }

// MemoryAllocated is the same accounting used for admission control before
// an insert actually lands (CellCache has no separate arena allocator, so
// it is identical to MemoryUsed; kept as a distinct method so callers can
// depend on the two concepts diverging in a future allocator without a
// signature change).
func (c *CellCache) MemoryAllocated() int64 { return c.MemoryUsed() }

// DeleteCount is the number of tombstone cells accumulated in this
// generation, used to decide whether a compaction pass is worth triggering
// purely to reclaim deleted-cell overhead.
func (c *CellCache) DeleteCount() int64 { return c.deletes.Load() }

// Count is the total number of cells (inserts and tombstones) held.
func (c *CellCache) Count() int64 { return c.count.Load() }

// Scan invokes fn for every cell whose encoded key falls in [startKey,
// endKey) (endKey == nil means unbounded), in ascending key order —
// oldest-revision-last per the encoding's newest-first convention. Returning
// false from fn stops the scan early.
func (c *CellCache) Scan(startKey, endKey []byte, fn func(cell *cellkey.Cell) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	iter := func(e entry) bool {
		if endKey != nil && cellkey.Compare(e.key, endKey) >= 0 {
			return false
		}
		return fn(e.cell)
	}
	if startKey == nil {
		c.tree.Ascend(iter)
	} else {
		c.tree.AscendGreaterOrEqual(entry{key: startKey}, iter)
	}
}

// PopulateKeySet adds every distinct row key currently held to set, used by
// the range's split-point estimator to merge candidate rows across access
// groups (§4.6).
func (c *CellCache) PopulateKeySet(set map[string]struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.tree.Ascend(func(e entry) bool {
		set[string(e.cell.Row)] = struct{}{}
		return true
	})
}

// SplitRowEstimateData samples up to n evenly-spaced row keys from the
// cache in key order, used alongside the equivalent cell-store sampling to
// propose a split row without fully sorting every row in the range (§4.6,
// §4.10's "estimate a split row").
func (c *CellCache) SplitRowEstimateData(n int) [][]byte {
	if n <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.tree.Len()
	if total == 0 {
		return nil
	}
	stride := total / n
	if stride < 1 {
		stride = 1
	}
	var out [][]byte
	var lastRow []byte
	i := 0
	c.tree.Ascend(func(e entry) bool {
		if i%stride == 0 && (lastRow == nil || string(e.cell.Row) != string(lastRow)) {
			out = append(out, append([]byte(nil), e.cell.Row...))
			lastRow = e.cell.Row
		}
		i++
		return len(out) < n
	})
	return out
}
