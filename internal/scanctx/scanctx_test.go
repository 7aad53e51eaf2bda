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

package scanctx

import "testing"

func TestCompileRejectsStartAfterEnd(t *testing.T) {
	_, err := Compile(&Spec{
		StartRow: []byte("b"),
		EndRow:   []byte("a"),
	}, nil)
	if err != ErrStartAfterEnd {
		t.Fatalf("got %v, want ErrStartAfterEnd", err)
	}
}

func TestCompileRejectsUnknownFamily(t *testing.T) {
	_, err := Compile(&Spec{
		Families: []FamilySpec{{Family: 9}},
	}, map[uint8]bool{1: true})
	if err == nil {
		t.Fatalf("expected an error for an unknown family")
	}
}

func TestCompileRejectsQualifierPredicateOnCounter(t *testing.T) {
	_, err := Compile(&Spec{
		Families: []FamilySpec{{Family: 1, CounterFamily: true, QualifierMatchKind: QualifierMatchPrefix, QualifierPrefix: []byte("x")}},
	}, nil)
	if err != ErrQualifierOnCounter {
		t.Fatalf("got %v, want ErrQualifierOnCounter", err)
	}
}

func TestCompileDefaultsRevisionSnapshotToMax(t *testing.T) {
	ctx, err := Compile(&Spec{}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ctx.RevisionSnapshot != 1<<63-1 {
		t.Fatalf("got RevisionSnapshot %d, want max int64", ctx.RevisionSnapshot)
	}
}

func TestCompileTTLCutoff(t *testing.T) {
	ctx, err := Compile(&Spec{
		Families: []FamilySpec{{Family: 1, TTLSeconds: 60}},
		Now:      1000,
	}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	pred, ok := ctx.FamilyPredicate(1)
	if !ok || pred == nil {
		t.Fatalf("expected a predicate for family 1")
	}
	if pred.TTLCutoff != 940 {
		t.Fatalf("got TTLCutoff %d, want 940", pred.TTLCutoff)
	}
}

func TestFamilyPredicateMatchAllWhenNoFamilyList(t *testing.T) {
	ctx, err := Compile(&Spec{}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	pred, ok := ctx.FamilyPredicate(42)
	if !ok || pred != nil {
		t.Fatalf("got (%v, %v), want (nil, true)", pred, ok)
	}
}

func TestBoundaryKeysInclusiveExclusive(t *testing.T) {
	ctx, err := Compile(&Spec{
		StartRow:          []byte("b"),
		StartRowInclusive: false,
		EndRow:            []byte("d"),
		EndRowInclusive:   true,
	}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// exclusive start "b" -> the prefix upper bound of "b"
	if string(ctx.StartKey) != "c" {
		t.Fatalf("got StartKey %q, want %q", ctx.StartKey, "c")
	}
	// inclusive end "d" -> the prefix upper bound of "d"
	if string(ctx.EndKey) != "e" {
		t.Fatalf("got EndKey %q, want %q", ctx.EndKey, "e")
	}
}

func TestMatchesQualifierKinds(t *testing.T) {
	exact := &CellPredicate{QualifierMatchKind: QualifierMatchExact, QualifierExact: [][]byte{[]byte("a"), []byte("b")}}
	if !exact.MatchesQualifier([]byte("a")) || exact.MatchesQualifier([]byte("c")) {
		t.Fatalf("exact match predicate misbehaved")
	}

	prefix := &CellPredicate{QualifierMatchKind: QualifierMatchPrefix, QualifierPrefix: []byte("pre")}
	if !prefix.MatchesQualifier([]byte("prefix1")) || prefix.MatchesQualifier([]byte("nope")) {
		t.Fatalf("prefix match predicate misbehaved")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ctx, err := Compile(&Spec{StartRow: []byte("a"), StartRowInclusive: true}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	clone := ctx.Clone()
	clone.StartKey[0] = 'z'
	if ctx.StartKey[0] == 'z' {
		t.Fatalf("Clone shares backing array with the original")
	}
}
