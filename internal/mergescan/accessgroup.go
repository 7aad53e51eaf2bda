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

// Package mergescan implements the two layered scanners of §4.4: a
// per-access-group merge over cell caches and cell stores that applies
// tombstones, versioning, predicates and counter folding, and a range-level
// scanner that fans multiple access groups together and owns the row/cell
// limit counters. It generalizes the k-way channel-heap merge already used
// for in-memory compaction (internal/cellcache.Manager.MergeImmutable) to a
// filtering, stateful scan over heterogeneous sources (cell caches AND
// on-disk cell stores).
package mergescan

import (
	"container/heap"
	"strconv"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/scanctx"
)

// Source is anything a merge scanner can fan in: internal/cellcache.CellCache
// and internal/cellstore.Reader both implement this (the former's Scan has
// no error return; SourceFunc below adapts it).
type Source interface {
	Scan(startKey, endKey []byte, fn func(cell *cellkey.Cell) bool) error
}

// SourceFunc adapts a push-style scan function (such as CellCache.Scan,
// which cannot fail) to Source.
type SourceFunc func(startKey, endKey []byte, fn func(cell *cellkey.Cell) bool)

func (f SourceFunc) Scan(startKey, endKey []byte, fn func(cell *cellkey.Cell) bool) error {
	f(startKey, endKey, fn)
	return nil
}

type headEntry struct {
	cell   *cellkey.Cell
	key    []byte
	srcIdx int
}

type headHeap []headEntry

func (h headHeap) Len() int            { return len(h) }
func (h headHeap) Less(i, j int) bool  { return cellkey.Compare(h[i].key, h[j].key) < 0 }
func (h headHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x interface{}) { *h = append(*h, x.(headEntry)) }
func (h *headHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// AccessGroup is the per-access-group merge scanner of §4.4. One is created
// per access group participating in a range scan; Next is called
// repeatedly by the range-level scanner (range.go) until it returns
// ok==false.
type AccessGroup struct {
	ctx *scanctx.Context

	chans  []chan headEntry
	errCh  chan error
	h      headHeap
	failed error

	// per-group streaming state, reset as the (row, family, qualifier)
	// grouping advances; see §4.4 and the key layout in internal/cellkey
	// (flag sorts before timestamp, so every tombstone for a grouping is
	// observed before any insert it could dominate).
	curRow            []byte
	curFamily         uint8
	curQualifier      []byte
	haveCur           bool
	rowDeleteRevision int64
	rowDeleteActive   bool
	famDeleteRevision int64
	famDeleteActive   bool
	cellDeleteRevision int64
	cellDeleteActive  bool
	versionDeletes    map[int64]int64 // timestamp -> tombstone revision, scoped to curQualifier
	versionsEmitted   int

	counterActive  bool
	counterStopped bool
	counterSum     int64
	counterCell    *cellkey.Cell

	pendingCell *cellkey.Cell // pulled and grouped, not yet evaluated
}

// NewAccessGroup starts one background goroutine per source, each feeding a
// buffered channel in ascending key order bounded by ctx's start/end keys,
// and returns a scanner ready for repeated Next calls.
func NewAccessGroup(ctx *scanctx.Context, sources []Source) *AccessGroup {
	s := &AccessGroup{
		ctx:               ctx,
		chans:             make([]chan headEntry, len(sources)),
		errCh:             make(chan error, len(sources)),
		rowDeleteRevision: -1,
		famDeleteRevision: -1,
		cellDeleteRevision: -1,
	}
	for i, src := range sources {
		ch := make(chan headEntry, 64)
		s.chans[i] = ch
		go func(i int, src Source) {
			defer close(ch)
			err := src.Scan(ctx.StartKey, ctx.EndKey, func(cell *cellkey.Cell) bool {
				key, err := cellkey.Encode(cell, cellkey.TimeOrderAscending)
				if err != nil {
					return true
				}
				ch <- headEntry{cell: cell, key: key, srcIdx: i}
				return true
			})
			if err != nil {
				s.errCh <- err
			}
		}(i, src)
	}
	s.h = make(headHeap, 0, len(sources))
	for i, ch := range s.chans {
		if e, ok := <-ch; ok {
			e.srcIdx = i
			s.h = append(s.h, e)
		}
	}
	heap.Init(&s.h)
	return s
}

func (s *AccessGroup) pull() (headEntry, bool) {
	if s.h.Len() == 0 {
		return headEntry{}, false
	}
	top := heap.Pop(&s.h).(headEntry)
	if e, ok := <-s.chans[top.srcIdx]; ok {
		e.srcIdx = top.srcIdx
		heap.Push(&s.h, e)
	}
	return top, true
}

// Next returns the next surviving cell, or ok==false when the scan is
// exhausted. Err reports a source failure (e.g. a corrupt cell store
// block); once non-nil, Next always returns ok==false.
func (s *AccessGroup) Err() error { return s.failed }

func (s *AccessGroup) Next() (*cellkey.Cell, bool) {
	for {
		if s.failed == nil {
			select {
			case err := <-s.errCh:
				s.failed = err
			default:
			}
		}
		if s.failed != nil {
			return nil, false
		}

		if s.pendingCell == nil {
			e, ok := s.pull()
			if !ok {
				if out := s.flushCounter(); out != nil {
					return out, true
				}
				return nil, false
			}
			flushed := s.advanceGrouping(e.cell)
			s.pendingCell = e.cell
			if flushed != nil {
				return flushed, true
			}
		}

		cell := s.pendingCell
		s.pendingCell = nil
		if out, emit := s.evaluate(cell); emit {
			return out, true
		}
		// else: suppressed or absorbed into the counter accumulator; loop for next
	}
}

// advanceGrouping resets per-row/family/qualifier suppression state when
// the key's grouping changes, flushing any pending counter accumulation for
// the group being left.
func (s *AccessGroup) advanceGrouping(cell *cellkey.Cell) (flushedCounter *cellkey.Cell) {
	rowChanged := !s.haveCur || string(cell.Row) != string(s.curRow)
	famChanged := rowChanged || cell.Family != s.curFamily
	qualChanged := famChanged || string(cell.Qualifier) != string(s.curQualifier)

	if qualChanged {
		flushedCounter = s.flushCounter()
	}
	if rowChanged {
		s.rowDeleteRevision = -1
		s.rowDeleteActive = false
	}
	if famChanged {
		s.famDeleteRevision = -1
		s.famDeleteActive = false
	}
	if qualChanged {
		s.cellDeleteRevision = -1
		s.cellDeleteActive = false
		s.versionDeletes = nil
		s.versionsEmitted = 0
		s.counterStopped = false
	}
	s.curRow = cell.Row
	s.curFamily = cell.Family
	s.curQualifier = cell.Qualifier
	s.haveCur = true
	return flushedCounter
}

// flushCounter emits the accumulated synthetic counter cell for the group
// just left, if one is pending.
func (s *AccessGroup) flushCounter() *cellkey.Cell {
	if !s.counterActive {
		return nil
	}
	s.counterActive = false
	out := *s.counterCell
	out.Value = []byte(strconv.FormatInt(s.counterSum, 10))
	return &out
}

// evaluate applies tombstone dominance, the revision snapshot, TTL,
// max_versions and predicates to one cell, updating tombstone/counter state
// as a side effect. It returns (cell, true) when the cell (or, for
// counters, nothing yet — the accumulator flushes later) should be handed
// to the caller.
func (s *AccessGroup) evaluate(cell *cellkey.Cell) (*cellkey.Cell, bool) {
	if cell.Revision > s.ctx.RevisionSnapshot {
		return nil, false // not yet visible to this scan's snapshot (§8 property 9)
	}

	pred, included := s.ctx.FamilyPredicate(cell.Family)
	if !included && cell.Flag != cellkey.DeleteRow {
		// DELETE_ROW carries the reserved family 0 and masks every family of
		// its row, so it is recorded even when family 0 is not in the scan.
		return nil, false
	}

	if cell.Flag.IsDelete() {
		s.recordTombstone(cell)
		if s.ctx.ReturnDeletes {
			return cell, true
		}
		return nil, false
	}

	if s.rowDeleteActive && cell.Revision <= s.rowDeleteRevision {
		return nil, false
	}
	if s.famDeleteActive && cell.Revision <= s.famDeleteRevision {
		return nil, false
	}
	if s.cellDeleteActive && cell.Revision <= s.cellDeleteRevision {
		return nil, false
	}
	if s.versionDeletes != nil {
		if tombRev, ok := s.versionDeletes[cell.Timestamp]; ok && cell.Revision <= tombRev {
			return nil, false
		}
	}
	if pred != nil {
		if pred.TTLCutoff != 0 && cell.Timestamp < pred.TTLCutoff {
			return nil, false
		}
		if !pred.MatchesQualifier(cell.Qualifier) {
			return nil, false
		}
	}
	if !s.ctx.MatchesRow(cell.Row) {
		return nil, false
	}

	isCounter := cell.FamilyCounter || (pred != nil && pred.CounterFamily)
	if isCounter {
		s.applyCounter(cell)
		return nil, false // emitted later, on group flush
	}

	if pred != nil && pred.MaxVersions > 0 {
		if s.versionsEmitted >= pred.MaxVersions {
			return nil, false
		}
	}
	if !s.ctx.MatchesValue(cell.Value) {
		return nil, false
	}
	s.versionsEmitted++
	return cell, true
}

// recordTombstone updates the suppression state a tombstone establishes,
// keeping only the highest revision seen per scope (a later, lower-revision
// tombstone of the same kind and scope never needs to win).
func (s *AccessGroup) recordTombstone(cell *cellkey.Cell) {
	switch cell.Flag {
	case cellkey.DeleteRow:
		if !s.rowDeleteActive || cell.Revision > s.rowDeleteRevision {
			s.rowDeleteRevision = cell.Revision
			s.rowDeleteActive = true
		}
	case cellkey.DeleteColumnFamily:
		if !s.famDeleteActive || cell.Revision > s.famDeleteRevision {
			s.famDeleteRevision = cell.Revision
			s.famDeleteActive = true
		}
	case cellkey.DeleteCell:
		if !s.cellDeleteActive || cell.Revision > s.cellDeleteRevision {
			s.cellDeleteRevision = cell.Revision
			s.cellDeleteActive = true
		}
	case cellkey.DeleteCellVersion:
		if s.versionDeletes == nil {
			s.versionDeletes = make(map[int64]int64)
		}
		if prev, ok := s.versionDeletes[cell.Timestamp]; !ok || cell.Revision > prev {
			s.versionDeletes[cell.Timestamp] = cell.Revision
		}
	}
}

// applyCounter folds cell into the running accumulator for the current
// (row, family, qualifier) group. Cells within a group arrive
// newest-revision-first, so accumulation is simply "add every +delta until
// a '=' reset is seen, then stop" — the reset's own value is excluded, and
// everything older than it (which streams in afterward) is ignored, giving
// exactly "the sum of inserts from (exclusive of) the most recent reset
// onward" (§8 property 4).
func (s *AccessGroup) applyCounter(cell *cellkey.Cell) {
	if !s.counterActive {
		s.counterActive = true
		s.counterSum = 0
		copyCell := *cell
		s.counterCell = &copyCell
	}
	if s.counterStopped {
		return
	}
	v, op := cell.CounterValue()
	if op == cellkey.CounterReset {
		s.counterStopped = true
		return
	}
	s.counterSum += v
}
