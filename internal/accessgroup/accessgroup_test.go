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

package accessgroup

import (
	"context"
	"fmt"
	"testing"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/dfs/local"
	"github.com/launix-de/tabletserver/internal/scanctx"
)

func insertCell(row string, revision int64, value string) *cellkey.Cell {
	return &cellkey.Cell{
		Row:       []byte(row),
		Family:    1,
		Qualifier: []byte("q"),
		Timestamp: revision,
		Revision:  revision,
		Flag:      cellkey.Insert,
		Value:     []byte(value),
	}
}

func TestAddAndScanFromWriteCache(t *testing.T) {
	client := local.New(t.TempDir())
	ag := New("ag0", client, "stores", cellkey.TimeOrderDescending)

	for i := 0; i < 10; i++ {
		if err := ag.Add(insertCell(fmt.Sprintf("row%02d", i), int64(i), "v")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	ctx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	scanner := ag.CreateScanner(ctx)
	count := 0
	for {
		_, ok := scanner.Next()
		if !ok {
			break
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if count != 10 {
		t.Fatalf("got %d cells, want 10", count)
	}
}

func TestCompactFlushesToCellStoreAndDropsGenerations(t *testing.T) {
	ctxBg := context.Background()
	client := local.New(t.TempDir())
	if err := client.Mkdirs(ctxBg, "stores"); err != nil {
		t.Fatalf("Mkdirs: %v", err)
	}
	ag := New("ag0", client, "stores", cellkey.TimeOrderDescending)

	for i := 0; i < 20; i++ {
		if err := ag.Add(insertCell(fmt.Sprintf("row%02d", i), int64(i), "v")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	ag.Freeze()

	if err := ag.Compact(ctxBg); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	data := ag.MaintenanceData()
	if data.ImmutableGenerations != 0 {
		t.Fatalf("got %d immutable generations after compaction, want 0", data.ImmutableGenerations)
	}
	if data.CellStoreCount != 1 {
		t.Fatalf("got %d cell stores after compaction, want 1", data.CellStoreCount)
	}

	// the compacted data must still be visible to new scanners
	scanCtx, err := scanctx.Compile(&scanctx.Spec{Families: []scanctx.FamilySpec{{Family: 1}}}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	scanner := ag.CreateScanner(scanCtx)
	count := 0
	for {
		_, ok := scanner.Next()
		if !ok {
			break
		}
		count++
	}
	if count != 20 {
		t.Fatalf("got %d cells after compaction, want 20", count)
	}
}

func TestSplitRowEstimateDataSpansCacheAndStore(t *testing.T) {
	ctxBg := context.Background()
	client := local.New(t.TempDir())
	if err := client.Mkdirs(ctxBg, "stores"); err != nil {
		t.Fatalf("Mkdirs: %v", err)
	}
	ag := New("ag0", client, "stores", cellkey.TimeOrderDescending)

	for i := 0; i < 50; i++ {
		if err := ag.Add(insertCell(fmt.Sprintf("row%03d", i), int64(i), "v")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	ag.Freeze()
	if err := ag.Compact(ctxBg); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	for i := 50; i < 60; i++ {
		if err := ag.Add(insertCell(fmt.Sprintf("row%03d", i), int64(i), "v")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	samples := ag.SplitRowEstimateData(5)
	if len(samples) == 0 {
		t.Fatalf("expected at least one split-row sample")
	}
	if len(samples) > 5 {
		t.Fatalf("got %d samples, want at most 5", len(samples))
	}
}
