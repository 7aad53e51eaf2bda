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

package cellcache

import (
	"container/heap"
	"sync"

	"github.com/launix-de/NonLockingReadMap"

	"github.com/launix-de/tabletserver/internal/cellkey"
)

// Manager owns one access group's in-memory generations: a single writable
// cache taking inserts, and zero or more frozen ("immutable") caches waiting
// to be merged and flushed into a cell store (§4.2). It generalizes the
// teacher's storageShard linked list (t.next chain in storage/shard.go,
// walked by rebuild()) from "one successor being rebuilt" to "an arbitrary
// run of frozen generations accumulating until maintenance catches up".
//
// mergedMask tracks, per slot in the immutable slice's lifetime, which
// generations have already been folded into a flushed cell store — readers
// that started a scan against an older snapshot of the slice can still
// consult NonBlockingBitMap.Get without taking the manager's lock, the same
// non-locking-readers contract NonLockingReadMap exists to provide.
type Manager struct {
	timeOrder cellkey.TimeOrder

	mu         sync.RWMutex
	write      *CellCache
	immutable  []*CellCache
	mergedMask NonLockingReadMap.NonBlockingBitMap
	generation uint32
}

func NewManager(timeOrder cellkey.TimeOrder) *Manager {
	return &Manager{
		timeOrder:  timeOrder,
		write:      NewCellCache(timeOrder),
		mergedMask: NonLockingReadMap.NewBitMap(),
	}
}

// Add routes one cell into the currently writable generation.
func (m *Manager) Add(cell *cellkey.Cell) error {
	m.mu.RLock()
	w := m.write
	m.mu.RUnlock()
	return w.Add(cell)
}

// Writable returns the generation currently accepting inserts.
func (m *Manager) Writable() *CellCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.write
}

// Freeze closes out the current writable generation (no further Add calls
// may reach it once a caller has stopped routing to it) and starts a fresh
// one, returning the frozen generation for the caller to schedule for
// flush. Mirrors the teacher's rebuild() splicing t.next onto a shard while
// the old one keeps serving concurrent readers.
func (m *Manager) Freeze() *CellCache {
	m.mu.Lock()
	defer m.mu.Unlock()
	frozen := m.write
	frozen.Freeze()
	m.generation++
	frozen.id = m.generation
	m.immutable = append(m.immutable, frozen)
	m.write = NewCellCache(m.timeOrder)
	return frozen
}

// Immutable returns a snapshot of the frozen, not-yet-merged generations,
// oldest first, skipping any whose id has already been marked merged —
// a goroutine that captured this slice before a concurrent DropMerged can
// still tell, without taking m.mu, that an entry is stale by consulting the
// non-locking bitmap directly (NonLockingReadMap's whole purpose).
func (m *Manager) Immutable() []*CellCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CellCache, 0, len(m.immutable))
	for _, c := range m.immutable {
		if !m.mergedMask.Get(c.id) {
			out = append(out, c)
		}
	}
	return out
}

// Scanners returns every generation (write cache plus all immutable
// generations) a merge scanner over this access group must fan into, oldest
// to newest being implied by generation order — §4.4's access-group merge
// scanner reads precisely this set.
func (m *Manager) Scanners() []*CellCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CellCache, 0, len(m.immutable)+1)
	out = append(out, m.immutable...)
	out = append(out, m.write)
	return out
}

// MemoryUsed sums the accounted bytes across every generation the manager
// currently holds (feeds the maintenance scheduler's memory-pressure input,
// §4.11).
func (m *Manager) MemoryUsed() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, c := range m.immutable {
		total += c.MemoryUsed()
	}
	total += m.write.MemoryUsed()
	return total
}

// mergeEntry is one position in the k-way merge heap below.
type mergeEntry struct {
	cell   *cellkey.Cell
	key    []byte
	srcIdx int
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return cellkey.Compare(h[i].key, h[j].key) < 0 }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeImmutable folds every currently-frozen generation into one new,
// already-frozen CellCache in key order, via a k-way merge so no generation
// is fully materialized or re-sorted; with exactly one frozen generation,
// that generation itself is returned. It does not touch the write cache and
// does not itself clear the immutable list — the caller (the maintenance
// scheduler, once the merged result has been durably flushed to a cell
// store) calls DropMerged with the generations it consumed.
func (m *Manager) MergeImmutable() (*CellCache, []*CellCache) {
	gens := m.Immutable()
	if len(gens) == 0 {
		return nil, nil
	}
	if len(gens) == 1 {
		return gens[0], gens
	}

	type cursor struct {
		ch <-chan mergeEntry
	}
	chans := make([]chan mergeEntry, len(gens))
	for i, g := range gens {
		ch := make(chan mergeEntry, 64)
		chans[i] = ch
		go func(i int, g *CellCache) {
			defer close(ch)
			g.Scan(nil, nil, func(cell *cellkey.Cell) bool {
				key, err := cellkey.Encode(cell, m.timeOrder)
				if err != nil {
					return true
				}
				ch <- mergeEntry{cell: cell, key: key, srcIdx: i}
				return true
			})
		}(i, g)
	}

	h := make(mergeHeap, 0, len(gens))
	for i, ch := range chans {
		if e, ok := <-ch; ok {
			e.srcIdx = i
			h = append(h, e)
		}
	}
	heap.Init(&h)

	merged := NewCellCache(m.timeOrder)
	for h.Len() > 0 {
		top := heap.Pop(&h).(mergeEntry)
		merged.Add(top.cell)
		if e, ok := <-chans[top.srcIdx]; ok {
			e.srcIdx = top.srcIdx
			heap.Push(&h, e)
		}
	}
	merged.Freeze()
	return merged, gens
}

// DropMerged removes consumed generations from the immutable list once
// their merged replacement has been durably persisted. Matching by pointer
// identity keeps this correct even if Freeze appended new generations
// concurrently with the merge.
func (m *Manager) DropMerged(consumed []*CellCache) {
	if len(consumed) == 0 {
		return
	}
	consumedSet := make(map[*CellCache]struct{}, len(consumed))
	for _, c := range consumed {
		consumedSet[c] = struct{}{}
		m.mergedMask.Set(c.id, true)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]*CellCache, 0, len(m.immutable))
	for _, c := range m.immutable {
		if _, drop := consumedSet[c]; !drop {
			kept = append(kept, c)
		}
	}
	m.immutable = kept
}
