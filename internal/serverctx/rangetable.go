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
	"sync"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/tablet"
)

// RangeTable is the server's live range map: every Range this process
// currently holds, keyed both by id and by the table it belongs to. It
// implements pipeline.RangeLocator (row -> owning range) and
// maintenance.RangeSource (the full live set the scheduler scores every
// tick), the two roles split/relinquish and ordinary traffic both need
// (§4.6, §4.8, §4.11).
type RangeTable struct {
	mu      sync.RWMutex
	byID    map[int64]*tablet.Range
	byTable map[string][]*tablet.Range
}

func NewRangeTable() *RangeTable {
	return &RangeTable{byID: make(map[int64]*tablet.Range), byTable: make(map[string][]*tablet.Range)}
}

// Add registers rng as live, callable once a range has cleared its load
// phase (or, for a split sibling, once its transfer log has replayed).
func (t *RangeTable) Add(rng *tablet.Range) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[rng.ID()] = rng
	t.byTable[rng.TableID()] = append(t.byTable[rng.TableID()], rng)
}

// Remove drops rng from the live map, e.g. once a relinquish has been
// finalized or a split's original half has shrunk away from under it.
func (t *RangeTable) Remove(rng *tablet.Range) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, rng.ID())
	list := t.byTable[rng.TableID()]
	for i, r := range list {
		if r.ID() == rng.ID() {
			t.byTable[rng.TableID()] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// ByID looks up a range by its metalog entity id.
func (t *RangeTable) ByID(id int64) (*tablet.Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byID[id]
	return r, ok
}

// Lookup implements pipeline.RangeLocator: the live range in tableID whose
// (exclusive start, inclusive end) bounds contain row, or false if row
// falls outside every range this server currently holds for that table
// (§4.8 Qualify's OUT_OF_RANGE case).
func (t *RangeTable) Lookup(tableID string, row []byte) (*tablet.Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.byTable[tableID] {
		start, end := r.Bounds()
		if withinBounds(row, start, end) {
			return r, true
		}
	}
	return nil, false
}

// Ranges implements maintenance.RangeSource: every range currently live on
// this server, across every table.
func (t *RangeTable) Ranges() []*tablet.Range {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*tablet.Range, 0, len(t.byID))
	for _, r := range t.byID {
		out = append(out, r)
	}
	return out
}

// withinBounds reports whether row falls within (start, end] — nil start
// is -infinity, nil end is +infinity — mirroring Range's own unexported
// containsRow so the range table's routing agrees with each range's own
// notion of its boundaries.
func withinBounds(row, start, end []byte) bool {
	if start != nil && cellkey.Compare(row, start) <= 0 {
		return false
	}
	if end != nil && cellkey.Compare(row, end) > 0 {
		return false
	}
	return true
}
