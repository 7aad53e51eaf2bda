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

package metalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/launix-de/tabletserver/internal/dfs/local"
	"github.com/launix-de/tabletserver/internal/fletcher"
	"github.com/launix-de/tabletserver/internal/varint"
)

const testRangeType EntityType = 1

// rangeState is a minimal test Entity: an id and a state label.
type rangeState struct {
	id    int64
	state string
}

func (r *rangeState) EntityID() int64         { return r.id }
func (r *rangeState) EntityType() EntityType  { return testRangeType }
func (r *rangeState) Encode() []byte          { return varint.AppendString(nil, r.state) }

func decodeRangeState(t EntityType, payload []byte) (Entity, error) {
	if t != testRangeType {
		return nil, fmt.Errorf("metalog test: unknown entity type %d", t)
	}
	s, _, err := varint.String(payload)
	if err != nil {
		return nil, err
	}
	return &rangeState{state: s}, nil
}

func testDefinition() Definition {
	return Definition{Name: "rsml-test", Version: 1, Decode: decodeRangeState}
}

func testOptions() Options {
	return Options{HistorySize: 2, MaxFileSize: 1 << 20, FlushInterval: time.Hour}
}

func TestWriterRoundTripFreshLog(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())

	w, err := Open(ctx, client, nil, "rsml", testDefinition(), nil, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.RecordState(ctx, &rangeState{id: 1, state: "STEADY"}, &rangeState{id: 2, state: "STEADY"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(client, "rsml", testDefinition())
	res, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(res.Entities))
	}
	got, ok := res.Entities[1].(*rangeState)
	if !ok || got.state != "STEADY" {
		t.Fatalf("entity 1: got %+v", res.Entities[1])
	}
}

func TestWriterCollapsesByIDLatestWins(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())

	w, err := Open(ctx, client, nil, "rsml", testDefinition(), nil, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.RecordState(ctx, &rangeState{id: 1, state: "STEADY"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := w.RecordState(ctx, &rangeState{id: 1, state: "SPLIT_LOG_INSTALLED"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(client, "rsml", testDefinition())
	res, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(res.Entities))
	}
	got := res.Entities[1].(*rangeState)
	if got.state != "SPLIT_LOG_INSTALLED" {
		t.Fatalf("got state %q, want SPLIT_LOG_INSTALLED (latest write must win)", got.state)
	}
}

func TestRecordRemovalDropsEntity(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())

	w, err := Open(ctx, client, nil, "rsml", testDefinition(), nil, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.RecordState(ctx, &rangeState{id: 1, state: "STEADY"}, &rangeState{id: 2, state: "STEADY"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := w.RecordRemoval(ctx, 1); err != nil {
		t.Fatalf("RecordRemoval: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(client, "rsml", testDefinition())
	res, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := res.Entities[1]; ok {
		t.Fatalf("entity 1 should have been removed")
	}
	if _, ok := res.Entities[2]; !ok {
		t.Fatalf("entity 2 should still be present")
	}
}

func TestRollingPreservesStateAndPurgesHistory(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())
	opts := Options{HistorySize: 2, MaxFileSize: 1, FlushInterval: time.Hour} // roll on every write

	w, err := Open(ctx, client, nil, "rsml", testDefinition(), nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		if err := w.RecordState(ctx, &rangeState{id: i, state: "STEADY"}); err != nil {
			t.Fatalf("RecordState(%d): %v", i, err)
		}
	}
	lastFile := w.fileNum
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if lastFile < 4 {
		t.Fatalf("expected at least 4 rolls given MaxFileSize=1, got fileNum=%d", lastFile)
	}

	nums, err := listLogFiles(ctx, client, "rsml")
	if err != nil {
		t.Fatalf("listLogFiles: %v", err)
	}
	if len(nums) > opts.HistorySize+1 {
		t.Fatalf("got %d retained files, want at most historySize+1 (%d)", len(nums), opts.HistorySize+1)
	}

	r := NewReader(client, "rsml", testDefinition())
	res, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Entities) != 5 {
		t.Fatalf("got %d entities after rolling, want 5 (every roll must re-dump live state)", len(res.Entities))
	}
}

func TestLoadEmptyDirectoryReturnsNil(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())
	r := NewReader(client, "rsml", testDefinition())
	res, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res != nil {
		t.Fatalf("expected a nil result for a brand-new log, got %+v", res)
	}
}

func TestLoadMissingRecoverEntityIsDetected(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())

	// Hand-write a file with a header and one entity record but no
	// EntityRecover sentinel, simulating a writer that crashed mid-dump.
	def := testDefinition()
	buf := encodeFileHeader(def.Name, def.Version)
	payload := (&rangeState{state: "STEADY"}).Encode()
	h := EntityHeader{Type: testRangeType, Checksum: fletcher.Checksum32(payload), Length: uint32(len(payload)), ID: 1}
	buf = append(buf, h.encode()...)
	buf = append(buf, payload...)

	if err := client.Mkdirs(ctx, "rsml"); err != nil {
		t.Fatalf("Mkdirs: %v", err)
	}
	wh, err := client.Create(ctx, "rsml/0", 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := wh.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(client, "rsml", def)
	_, err = r.Load(ctx)
	if err != ErrMissingRecoverEntity {
		t.Fatalf("got %v, want ErrMissingRecoverEntity", err)
	}
}

func TestLoadChecksumMismatchIsDetected(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())

	def := testDefinition()
	buf := encodeFileHeader(def.Name, def.Version)
	payload := (&rangeState{state: "STEADY"}).Encode()
	h := EntityHeader{Type: testRangeType, Checksum: 0xdeadbeef, Length: uint32(len(payload)), ID: 1}
	buf = append(buf, h.encode()...)
	buf = append(buf, payload...)

	if err := client.Mkdirs(ctx, "rsml"); err != nil {
		t.Fatalf("Mkdirs: %v", err)
	}
	wh, err := client.Create(ctx, "rsml/0", 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := wh.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := wh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(client, "rsml", def)
	_, err = r.Load(ctx)
	if err != ErrChecksumMismatch {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestOpenContinuesRecoveredFileWithoutExtraRoll(t *testing.T) {
	ctx := context.Background()
	client := local.New(t.TempDir())
	def := testDefinition()

	w, err := Open(ctx, client, nil, "rsml", def, nil, testOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.RecordState(ctx, &rangeState{id: 1, state: "STEADY"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewReader(client, "rsml", def)
	res, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w2, err := Open(ctx, client, nil, "rsml", def, res, testOptions())
	if err != nil {
		t.Fatalf("Open (recovered): %v", err)
	}
	if w2.fileNum != res.FileNum {
		t.Fatalf("got fileNum %d, want continuation of recovered fileNum %d", w2.fileNum, res.FileNum)
	}
	if err := w2.RecordState(ctx, &rangeState{id: 2, state: "STEADY"}); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res2, err := NewReader(client, "rsml", def).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res2.Entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(res2.Entities))
	}
}
