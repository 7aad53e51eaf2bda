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

package scanner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/dfs/local"
	"github.com/launix-de/tabletserver/internal/metalog"
	"github.com/launix-de/tabletserver/internal/scanctx"
	"github.com/launix-de/tabletserver/internal/tablet"
)

func newTestRangeWithCells(t *testing.T, n int) (*tablet.Range, *tablet.TableInfo) {
	t.Helper()
	client := local.New(t.TempDir())
	mw, err := metalog.Open(context.Background(), local.New(t.TempDir()), nil, "rsml", tablet.Definition(), nil, metalog.Options{})
	if err != nil {
		t.Fatalf("metalog.Open: %v", err)
	}
	t.Cleanup(func() { mw.Close() })
	table := tablet.NewTableInfo("gen-1", "t", []tablet.ColumnFamily{
		{ID: 1, Name: "cf", AccessGroup: "default", TimeOrder: cellkey.TimeOrderAscending},
	})
	rng := tablet.NewRange(1, table, []byte("a"), []byte("z"), client, "stores", mw, nil)
	for i := 0; i < n; i++ {
		cell := &cellkey.Cell{
			Row: []byte(fmt.Sprintf("row%02d", i)), Family: 1, Qualifier: []byte("q"),
			Flag: cellkey.Insert, Value: []byte("v"),
		}
		rev, err := rng.AssignRevision(0, 0, 0)
		if err != nil {
			t.Fatalf("AssignRevision: %v", err)
		}
		cell.Revision = rev
		if err := rng.Add(cell, "gen-1"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return rng, table
}

func TestCreateAndFetchScanBlockExhausts(t *testing.T) {
	rng, table := newTestRangeWithCells(t, 5)
	sctx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, table.KnownFamilies())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ms, err := rng.CreateScanner(sctx, 0, 0)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}

	reg := New(50 * time.Millisecond)
	defer reg.Close()
	id := reg.Create(rng, "t", ms, time.Now().Add(time.Hour))
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}

	block, err := reg.FetchScanBlock(id, 0)
	if err != nil {
		t.Fatalf("FetchScanBlock: %v", err)
	}
	if len(block.Cells) != 5 || !block.Done {
		t.Fatalf("got %d cells, done=%v, want 5 cells, done=true", len(block.Cells), block.Done)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len after exhaustion = %d, want 0", reg.Len())
	}
	if _, err := reg.FetchScanBlock(id, 0); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after exhaustion, got %v", err)
	}
}

func TestFetchScanBlockRespectsByteBudget(t *testing.T) {
	rng, table := newTestRangeWithCells(t, 10)
	sctx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, table.KnownFamilies())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ms, err := rng.CreateScanner(sctx, 0, 0)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}

	reg := New(50 * time.Millisecond)
	defer reg.Close()
	id := reg.Create(rng, "t", ms, time.Now().Add(time.Hour))

	block, err := reg.FetchScanBlock(id, cellOverhead+1)
	if err != nil {
		t.Fatalf("FetchScanBlock: %v", err)
	}
	if len(block.Cells) != 1 || block.Done {
		t.Fatalf("got %d cells, done=%v, want 1 cell, done=false", len(block.Cells), block.Done)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (scanner still registered)", reg.Len())
	}
}

func TestDestroyRemovesEntry(t *testing.T) {
	rng, table := newTestRangeWithCells(t, 1)
	sctx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, table.KnownFamilies())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ms, err := rng.CreateScanner(sctx, 0, 0)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}

	reg := New(50 * time.Millisecond)
	defer reg.Close()
	id := reg.Create(rng, "t", ms, time.Now().Add(time.Hour))
	if err := reg.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0", reg.Len())
	}
	if err := reg.Destroy(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on double destroy, got %v", err)
	}
}

func TestSweepReclaimsExpiredScanner(t *testing.T) {
	rng, table := newTestRangeWithCells(t, 1)
	sctx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, table.KnownFamilies())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ms, err := rng.CreateScanner(sctx, 0, 0)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}

	reg := New(10 * time.Millisecond)
	defer reg.Close()
	id := reg.Create(rng, "t", ms, time.Now().Add(-time.Second))

	deadline := time.Now().Add(time.Second)
	for reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after sweep", reg.Len())
	}
	if _, err := reg.FetchScanBlock(id, 0); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
