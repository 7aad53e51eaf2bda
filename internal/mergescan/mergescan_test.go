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
	"testing"

	"github.com/launix-de/tabletserver/internal/cellcache"
	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/scanctx"
)

func mustCompile(t *testing.T, spec *scanctx.Spec) *scanctx.Context {
	t.Helper()
	ctx, err := scanctx.Compile(spec, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return ctx
}

func insertCell(row string, family uint8, qualifier string, timestamp, revision int64, value string) *cellkey.Cell {
	return &cellkey.Cell{
		Row:       []byte(row),
		Family:    family,
		Qualifier: []byte(qualifier),
		Timestamp: timestamp,
		Revision:  revision,
		Flag:      cellkey.Insert,
		Value:     []byte(value),
	}
}

func addAll(t *testing.T, cache *cellcache.CellCache, cells ...*cellkey.Cell) {
	t.Helper()
	for _, c := range cells {
		if err := cache.Add(c); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
}

// TestAccessGroupMaxVersions checks that only the two newest versions of a
// qualifier survive when the family predicate limits max_versions to 2.
func TestAccessGroupMaxVersions(t *testing.T) {
	cache := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cache,
		insertCell("r1", 1, "q", 3, 3, "v3"),
		insertCell("r1", 1, "q", 2, 2, "v2"),
		insertCell("r1", 1, "q", 1, 1, "v1"),
	)

	ctx := mustCompile(t, &scanctx.Spec{
		Families: []scanctx.FamilySpec{{Family: 1, MaxVersions: 2}},
	})
	ag := NewAccessGroup(ctx, []Source{SourceFunc(cache.Scan)})

	var got []string
	for {
		cell, ok := ag.Next()
		if !ok {
			break
		}
		got = append(got, string(cell.Value))
	}
	if err := ag.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(got) != 2 || got[0] != "v3" || got[1] != "v2" {
		t.Fatalf("got %v, want [v3 v2]", got)
	}
}

// TestAccessGroupDeleteRowDominance checks that a DELETE_ROW tombstone
// suppresses every insert at or below its revision, across every family.
func TestAccessGroupDeleteRowDominance(t *testing.T) {
	cache := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cache,
		insertCell("r1", 1, "q", 10, 10, "newer"),
		&cellkey.Cell{Row: []byte("r1"), Family: 0, Qualifier: nil, Timestamp: 5, Revision: 5, Flag: cellkey.DeleteRow},
		insertCell("r1", 1, "q", 1, 1, "older"),
	)

	ctx := mustCompile(t, &scanctx.Spec{
		Families: []scanctx.FamilySpec{{Family: 1}},
	})
	ag := NewAccessGroup(ctx, []Source{SourceFunc(cache.Scan)})

	var got []string
	for {
		cell, ok := ag.Next()
		if !ok {
			break
		}
		got = append(got, string(cell.Value))
	}
	if err := ag.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(got) != 1 || got[0] != "newer" {
		t.Fatalf("got %v, want [newer]", got)
	}
}

// TestAccessGroupCounterFold checks that a counter family folds into a
// single synthetic cell summing every insert from (exclusive of) the most
// recent reset onward.
func TestAccessGroupCounterFold(t *testing.T) {
	cache := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cache,
		&cellkey.Cell{Row: []byte("r1"), Family: 2, Qualifier: []byte("c"), Timestamp: 5, Revision: 5, Flag: cellkey.Insert, FamilyCounter: true, Value: cellkey.EncodeCounter(1, cellkey.CounterAdd)},
		&cellkey.Cell{Row: []byte("r1"), Family: 2, Qualifier: []byte("c"), Timestamp: 4, Revision: 4, Flag: cellkey.Insert, FamilyCounter: true, Value: cellkey.EncodeCounter(2, cellkey.CounterAdd)},
		&cellkey.Cell{Row: []byte("r1"), Family: 2, Qualifier: []byte("c"), Timestamp: 3, Revision: 3, Flag: cellkey.Insert, FamilyCounter: true, Value: cellkey.EncodeCounter(0, cellkey.CounterReset)},
		&cellkey.Cell{Row: []byte("r1"), Family: 2, Qualifier: []byte("c"), Timestamp: 2, Revision: 2, Flag: cellkey.Insert, FamilyCounter: true, Value: cellkey.EncodeCounter(10, cellkey.CounterAdd)},
		&cellkey.Cell{Row: []byte("r1"), Family: 2, Qualifier: []byte("c"), Timestamp: 1, Revision: 1, Flag: cellkey.Insert, FamilyCounter: true, Value: cellkey.EncodeCounter(20, cellkey.CounterAdd)},
	)

	ctx := mustCompile(t, &scanctx.Spec{
		Families: []scanctx.FamilySpec{{Family: 2, CounterFamily: true}},
	})
	ag := NewAccessGroup(ctx, []Source{SourceFunc(cache.Scan)})

	cell, ok := ag.Next()
	if !ok {
		t.Fatalf("Next: expected a folded counter cell")
	}
	if string(cell.Value) != "3" {
		t.Fatalf("got counter value %q, want %q", cell.Value, "3")
	}
	if _, ok := ag.Next(); ok {
		t.Fatalf("expected exactly one folded counter cell")
	}
}

// TestAccessGroupRevisionSnapshot checks that a cell inserted after the
// configured snapshot revision is invisible to the scan.
func TestAccessGroupRevisionSnapshot(t *testing.T) {
	cache := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cache,
		insertCell("r1", 1, "q", 20, 20, "future"),
		insertCell("r1", 1, "q", 5, 5, "visible"),
	)

	ctx := mustCompile(t, &scanctx.Spec{
		Families:         []scanctx.FamilySpec{{Family: 1}},
		RevisionSnapshot: 10,
	})
	ag := NewAccessGroup(ctx, []Source{SourceFunc(cache.Scan)})

	cell, ok := ag.Next()
	if !ok {
		t.Fatalf("expected one visible cell")
	}
	if string(cell.Value) != "visible" {
		t.Fatalf("got %q, want %q", cell.Value, "visible")
	}
	if _, ok := ag.Next(); ok {
		t.Fatalf("expected the future cell to be invisible at this snapshot")
	}
}

// TestRangeRowLimit checks that Range stops at the configured row_limit and
// leaves the boundary-crossing cell for a subsequent scan to pick up.
func TestRangeRowLimit(t *testing.T) {
	cache := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cache,
		insertCell("r1", 1, "q", 1, 1, "a"),
		insertCell("r2", 1, "q", 1, 1, "b"),
		insertCell("r3", 1, "q", 1, 1, "c"),
	)

	ctx := mustCompile(t, &scanctx.Spec{
		Families: []scanctx.FamilySpec{{Family: 1}},
		RowLimit: 2,
	})
	ag := NewAccessGroup(ctx, []Source{SourceFunc(cache.Scan)})
	rng := NewRange([]*AccessGroup{ag}, ctx.RowLimit, ctx.CellLimit)

	var rows []string
	for {
		cell, ok := rng.Next()
		if !ok {
			break
		}
		rows = append(rows, string(cell.Row))
	}
	if err := rng.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(rows) != 2 || rows[0] != "r1" || rows[1] != "r2" {
		t.Fatalf("got %v, want [r1 r2]", rows)
	}
}

// TestRangeFansInMultipleAccessGroups checks that Range merges two access
// groups in row-major key order.
func TestRangeFansInMultipleAccessGroups(t *testing.T) {
	cacheA := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cacheA,
		insertCell("r1", 1, "q", 1, 1, "a1"),
		insertCell("r3", 1, "q", 1, 1, "a3"),
	)
	cacheB := cellcache.NewCellCache(cellkey.TimeOrderDescending)
	addAll(t, cacheB,
		insertCell("r2", 2, "q", 1, 1, "b2"),
	)

	ctxA := mustCompile(t, &scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}})
	ctxB := mustCompile(t, &scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 2}}})

	agA := NewAccessGroup(ctxA, []Source{SourceFunc(cacheA.Scan)})
	agB := NewAccessGroup(ctxB, []Source{SourceFunc(cacheB.Scan)})
	rng := NewRange([]*AccessGroup{agA, agB}, 0, 0)

	var rows []string
	for {
		cell, ok := rng.Next()
		if !ok {
			break
		}
		rows = append(rows, string(cell.Row))
	}
	if len(rows) != 3 || rows[0] != "r1" || rows[1] != "r2" || rows[2] != "r3" {
		t.Fatalf("got %v, want [r1 r2 r3]", rows)
	}
}
