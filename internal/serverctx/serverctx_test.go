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
	"context"
	"fmt"
	"testing"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/pipeline"
	"github.com/launix-de/tabletserver/internal/tablet"
)

func newTestServerContext(t *testing.T) *ServerContext {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Location = fmt.Sprintf("loc-%s", t.Name())
	cfg.MetalogDir = t.TempDir() + "/metalog"
	cfg.StoreDir = t.TempDir() + "/stores"
	cfg.DFS.Local.Basepath = t.TempDir() + "/dfs"

	sc, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sc.Shutdown() })
	return sc
}

func testTable() *tablet.TableInfo {
	return tablet.NewTableInfo("gen-1", "widgets", []tablet.ColumnFamily{
		{ID: 1, Name: "cf", AccessGroup: "default", TimeOrder: cellkey.TimeOrderAscending},
	})
}

func TestCreateRangeRegistersLiveAndRoutes(t *testing.T) {
	sc := newTestServerContext(t)
	table := testTable()
	sc.Tables.Register(table)

	rng, err := sc.CreateRange(context.Background(), table, nil, nil)
	if err != nil {
		t.Fatalf("CreateRange: %v", err)
	}

	got, ok := sc.Ranges.Lookup(table.ID, []byte("anything"))
	if !ok || got.ID() != rng.ID() {
		t.Fatalf("Lookup = (%v, %v), want the created range", got, ok)
	}
	if len(sc.Ranges.Ranges()) != 1 {
		t.Fatalf("Ranges() len = %d, want 1", len(sc.Ranges.Ranges()))
	}
}

func TestSubmitThroughPipelineAppliesToCreatedRange(t *testing.T) {
	sc := newTestServerContext(t)
	table := testTable()
	sc.Tables.Register(table)
	rng, err := sc.CreateRange(context.Background(), table, nil, nil)
	if err != nil {
		t.Fatalf("CreateRange: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc.Start(ctx)

	req := &pipeline.Request{
		TableID: table.ID,
		Mutations: []*pipeline.Mutation{{
			Cell: &cellkey.Cell{Row: []byte("row01"), Family: 1, Qualifier: []byte("q"), Flag: cellkey.Insert, Value: []byte("v")},
			Clock: 1, SchemaGeneration: table.ID,
		}},
	}
	resps, err := sc.Pipeline.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resps[0].Err != nil {
		t.Fatalf("mutation rejected: %v", resps[0].Err)
	}
	if rng.LatestRevision() != 1 {
		t.Fatalf("LatestRevision = %d, want 1", rng.LatestRevision())
	}
}

func TestExecuteSplitCreatesSiblingWithUpperHalf(t *testing.T) {
	sc := newTestServerContext(t)
	table := testTable()
	sc.Tables.Register(table)
	rng, err := sc.CreateRange(context.Background(), table, []byte("a"), []byte("z"))
	if err != nil {
		t.Fatalf("CreateRange: %v", err)
	}

	ctx := context.Background()
	for i, row := range []string{"b", "c", "m", "n", "x", "y"} {
		rev, err := rng.AssignRevision(int64(i+1), 0, 0)
		if err != nil {
			t.Fatalf("AssignRevision: %v", err)
		}
		cell := &cellkey.Cell{Row: []byte(row), Family: 1, Qualifier: []byte("q"), Flag: cellkey.Insert, Value: []byte("v"), Revision: rev}
		if err := rng.Add(cell, table.ID); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if err := sc.ExecuteSplit(ctx, rng, []byte("m")); err != nil {
		t.Fatalf("ExecuteSplit: %v", err)
	}

	if rng.State() != tablet.StateSteady {
		t.Fatalf("original range state = %v, want Steady", rng.State())
	}
	start, end := rng.Bounds()
	if string(start) != "a" || string(end) != "m" {
		t.Fatalf("original bounds = (%q, %q], want (a, m]", start, end)
	}

	siblingLow, ok := sc.Ranges.Lookup(table.ID, []byte("n"))
	if !ok {
		t.Fatal("expected sibling to own row n")
	}
	siblingStart, siblingEnd := siblingLow.Bounds()
	if string(siblingStart) != "m" || string(siblingEnd) != "z" {
		t.Fatalf("sibling bounds = (%q, %q], want (m, z]", siblingStart, siblingEnd)
	}

	if _, ok := sc.Ranges.Lookup(table.ID, []byte("b")); !ok {
		t.Fatal("expected original range to still own row b")
	}
}

func TestShutdownRunsTeardownHooksInLIFOOrder(t *testing.T) {
	sc := newTestServerContext(t)
	var order []int
	sc.AddTeardown(func() error { order = append(order, 1); return nil })
	sc.AddTeardown(func() error { order = append(order, 2); return nil })

	if err := sc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("teardown order = %v, want [2 1]", order)
	}
}
