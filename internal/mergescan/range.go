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

package mergescan

import (
	"container/heap"

	"github.com/launix-de/tabletserver/internal/cellkey"
)

// agEntry is one access-group scanner's current head cell in the range
// scanner's merge heap.
type agEntry struct {
	cell   *cellkey.Cell
	key    []byte
	srcIdx int
}

type agHeap []agEntry

func (h agHeap) Len() int            { return len(h) }
func (h agHeap) Less(i, j int) bool  { return cellkey.Compare(h[i].key, h[j].key) < 0 }
func (h agHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *agHeap) Push(x interface{}) { *h = append(*h, x.(agEntry)) }
func (h *agHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Range is the range-level merge scanner of §4.4: it fans in one
// AccessGroup scanner per participating access group (replayed transfer-log
// cells are reached only through the access groups they were applied to;
// there is no separate transfer-log scanner) and is the sole place row_limit/cell_limit
// are counted, so an access-group scanner never over-suppresses rows that
// another access group still needs to contribute cells for.
type Range struct {
	groups []*AccessGroup
	h      agHeap

	rowLimit  int64
	cellLimit int64

	cellsEmitted int64
	rowsEmitted  int64
	lastRow      []byte
	haveLastRow  bool
}

// NewRange starts a range-level scanner over groups (each already created
// via NewAccessGroup against the same scan context).
func NewRange(groups []*AccessGroup, rowLimit, cellLimit int64) *Range {
	r := &Range{groups: groups, rowLimit: rowLimit, cellLimit: cellLimit}
	r.h = make(agHeap, 0, len(groups))
	for i, g := range groups {
		if cell, ok := g.Next(); ok {
			key, _ := cellkey.Encode(cell, cellkey.TimeOrderAscending)
			r.h = append(r.h, agEntry{cell: cell, key: key, srcIdx: i})
		}
	}
	heap.Init(&r.h)
	return r
}

// Err reports the first access-group failure encountered, if any.
func (r *Range) Err() error {
	for _, g := range r.groups {
		if err := g.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the next cell in row-major order across every access group,
// or ok==false when the scan is exhausted or a configured limit has been
// reached.
func (r *Range) Next() (*cellkey.Cell, bool) {
	if r.cellLimit > 0 && r.cellsEmitted >= r.cellLimit {
		return nil, false
	}
	if r.h.Len() == 0 {
		return nil, false
	}
	top := r.h[0]
	rowChanged := !r.haveLastRow || string(top.cell.Row) != string(r.lastRow)
	if rowChanged && r.rowLimit > 0 && r.rowsEmitted >= r.rowLimit {
		return nil, false // stop before crossing into a row beyond the limit; top stays unconsumed
	}
	heap.Pop(&r.h)
	if cell, ok := r.groups[top.srcIdx].Next(); ok {
		key, _ := cellkey.Encode(cell, cellkey.TimeOrderAscending)
		heap.Push(&r.h, agEntry{cell: cell, key: key, srcIdx: top.srcIdx})
	}

	if rowChanged {
		r.rowsEmitted++
		r.lastRow = top.cell.Row
		r.haveLastRow = true
	}
	r.cellsEmitted++
	return top.cell, true
}
