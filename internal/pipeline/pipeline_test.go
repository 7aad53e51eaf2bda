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

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/dfs/local"
	"github.com/launix-de/tabletserver/internal/metalog"
	"github.com/launix-de/tabletserver/internal/scanctx"
	"github.com/launix-de/tabletserver/internal/tablet"
	"github.com/launix-de/tabletserver/internal/wire"
)

// fakeLocator routes every lookup against a fixed set of ranges for a
// single table, the minimal stand-in for a range server's actual range
// table (internal/serverctx.RangeTable).
type fakeLocator struct {
	tableID string
	ranges  []*tablet.Range
}

func (f *fakeLocator) Lookup(tableID string, row []byte) (*tablet.Range, bool) {
	if tableID != f.tableID {
		return nil, false
	}
	for _, r := range f.ranges {
		start, end := r.Bounds()
		if cellkey.Compare(row, start) > 0 && cellkey.Compare(row, end) <= 0 {
			return r, true
		}
	}
	return nil, false
}

func newTestRange(t *testing.T, id int64, startRow, endRow string) (*tablet.Range, *tablet.TableInfo) {
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
	return tablet.NewRange(id, table, []byte(startRow), []byte(endRow), client, "stores", mw, nil), table
}

func mutation(row string, clock int64) *Mutation {
	return &Mutation{
		Cell: &cellkey.Cell{
			Row:       []byte(row),
			Family:    1,
			Qualifier: []byte("q"),
			Flag:      cellkey.Insert,
			Value:     []byte("v"),
		},
		Clock:            clock,
		SchemaGeneration: "gen-1",
	}
}

func TestSubmitAppliesMutationsInRange(t *testing.T) {
	rng, _ := newTestRange(t, 1, "a", "z")
	locator := &fakeLocator{tableID: "t", ranges: []*tablet.Range{rng}}

	p := New(locator, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	req := &Request{
		TableID: "t",
		Mutations: []*Mutation{
			mutation("row01", 1),
			mutation("row02", 2),
		},
	}
	resps, err := p.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i, r := range resps {
		if r.Err != nil {
			t.Fatalf("mutation %d: got error %v", i, r.Err)
		}
	}
	if rng.LatestRevision() != 2 {
		t.Fatalf("LatestRevision = %d, want 2", rng.LatestRevision())
	}
}

func TestSubmitOutOfRange(t *testing.T) {
	rng, _ := newTestRange(t, 1, "m", "z")
	locator := &fakeLocator{tableID: "t", ranges: []*tablet.Range{rng}}

	p := New(locator, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	resps, err := p.Submit(ctx, &Request{TableID: "t", Mutations: []*Mutation{mutation("aaa", 1)}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resps[0].Err == nil || resps[0].Err.Code != wire.CodeOutOfRange {
		t.Fatalf("got %+v, want CodeOutOfRange", resps[0].Err)
	}
}

func TestSubmitClockSkewRejected(t *testing.T) {
	rng, _ := newTestRange(t, 1, "a", "z")
	locator := &fakeLocator{tableID: "t", ranges: []*tablet.Range{rng}}

	p := New(locator, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	if _, err := p.Submit(ctx, &Request{TableID: "t", Mutations: []*Mutation{mutation("row01", 10)}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	resps, err := p.Submit(ctx, &Request{TableID: "t", Mutations: []*Mutation{mutation("row02", 5)}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resps[0].Err == nil || resps[0].Err.Code != wire.CodeClockSkew {
		t.Fatalf("got %+v, want CodeClockSkew", resps[0].Err)
	}
}

func TestSubmitGroupCommitAcrossRequests(t *testing.T) {
	rng, table := newTestRange(t, 1, "a", "z")
	locator := &fakeLocator{tableID: "t", ranges: []*tablet.Range{rng}}

	cfg := DefaultConfig()
	cfg.GroupCommitInterval = 10 * time.Millisecond
	p := New(locator, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	done := make(chan []Response, 2)
	go func() {
		resps, _ := p.Submit(ctx, &Request{TableID: "t", Mutations: []*Mutation{mutation("row01", 1)}})
		done <- resps
	}()
	go func() {
		resps, _ := p.Submit(ctx, &Request{TableID: "t", Mutations: []*Mutation{mutation("row02", 2)}})
		done <- resps
	}()

	for i := 0; i < 2; i++ {
		select {
		case resps := <-done:
			if resps[0].Err != nil {
				t.Fatalf("got error %v", resps[0].Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for group commit flush")
		}
	}
	sctx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, table.KnownFamilies())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	scanner, err := rng.CreateScanner(sctx, 0, 0)
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	count := 0
	for {
		if _, ok := scanner.Next(); !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("got %d cells, want 2", count)
	}
}

func TestSubmitEmptyRequest(t *testing.T) {
	rng, _ := newTestRange(t, 1, "a", "z")
	locator := &fakeLocator{tableID: "t", ranges: []*tablet.Range{rng}}
	p := New(locator, DefaultConfig())
	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop()

	resps, err := p.Submit(ctx, &Request{TableID: "t"})
	if err != nil || resps != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", resps, err)
	}
}
