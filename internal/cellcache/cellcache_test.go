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
	"bytes"
	"testing"

	"github.com/launix-de/tabletserver/internal/cellkey"
)

func cell(row string, qualifier string, revision int64) *cellkey.Cell {
	return &cellkey.Cell{
		Row:       []byte(row),
		Family:    1,
		Qualifier: []byte(qualifier),
		Timestamp: revision,
		Revision:  revision,
		Flag:      cellkey.Insert,
		Value:     []byte("v" + qualifier),
	}
}

func TestCellCacheScanOrder(t *testing.T) {
	c := NewCellCache(cellkey.TimeOrderAscending)
	rows := []string{"c", "a", "b", "a"}
	for i, r := range rows {
		if err := c.Add(cell(r, "q", int64(i+1))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	var seen []string
	c.Scan(nil, nil, func(cl *cellkey.Cell) bool {
		seen = append(seen, string(cl.Row))
		return true
	})
	for i := 1; i < len(seen); i++ {
		if seen[i-1] > seen[i] {
			t.Fatalf("scan not in ascending row order: %v", seen)
		}
	}
	if c.Count() != 4 {
		t.Fatalf("got count %d, want 4", c.Count())
	}
}

func TestCellCacheFreezePanicsOnAdd(t *testing.T) {
	c := NewCellCache(cellkey.TimeOrderAscending)
	c.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic adding to a frozen cache")
		}
	}()
	c.Add(cell("a", "q", 1))
}

func TestCellCacheDeleteCount(t *testing.T) {
	c := NewCellCache(cellkey.TimeOrderAscending)
	c.Add(cell("a", "q", 1))
	del := cell("a", "q", 2)
	del.Flag = cellkey.DeleteCell
	c.Add(del)
	if c.DeleteCount() != 1 {
		t.Fatalf("got %d deletes, want 1", c.DeleteCount())
	}
}

func TestManagerFreezeAndScanners(t *testing.T) {
	m := NewManager(cellkey.TimeOrderAscending)
	m.Add(cell("a", "q", 1))
	frozen := m.Freeze()
	m.Add(cell("b", "q", 2))

	if len(m.Scanners()) != 2 {
		t.Fatalf("want 2 scanner generations (1 immutable + 1 writable)")
	}
	if !frozen.Frozen() {
		t.Fatalf("expected generation to be frozen")
	}
}

func TestManagerMergeImmutableAndDropMerged(t *testing.T) {
	m := NewManager(cellkey.TimeOrderAscending)
	m.Add(cell("c", "q", 1))
	gen1 := m.Freeze()
	m.Add(cell("a", "q", 2))
	gen2 := m.Freeze()
	m.Add(cell("b", "q", 3))
	gen3 := m.Freeze()

	merged, consumed := m.MergeImmutable()
	if merged == nil {
		t.Fatalf("expected a merged generation")
	}
	if len(consumed) != 3 {
		t.Fatalf("got %d consumed generations, want 3", len(consumed))
	}

	var rows []string
	merged.Scan(nil, nil, func(cl *cellkey.Cell) bool {
		rows = append(rows, string(cl.Row))
		return true
	})
	if len(rows) != 3 || rows[0] != "a" || rows[1] != "b" || rows[2] != "c" {
		t.Fatalf("merge did not produce key order, got %v", rows)
	}

	m.DropMerged(consumed)
	if len(m.Immutable()) != 0 {
		t.Fatalf("expected all consumed generations to be dropped")
	}
	_ = gen1
	_ = gen2
	_ = gen3
}

func TestCellCacheSplitRowEstimateDataIsOrdered(t *testing.T) {
	c := NewCellCache(cellkey.TimeOrderAscending)
	for i := 0; i < 26; i++ {
		c.Add(cell(string(rune('a'+i)), "q", int64(i+1)))
	}
	samples := c.SplitRowEstimateData(5)
	if len(samples) == 0 {
		t.Fatalf("expected at least one sample row")
	}
	for i := 1; i < len(samples); i++ {
		if bytes.Compare(samples[i-1], samples[i]) >= 0 {
			t.Fatalf("samples not strictly increasing: %v", samples)
		}
	}
}
