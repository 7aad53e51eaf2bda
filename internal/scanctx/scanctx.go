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

// Package scanctx compiles a wire-level scan specification into the
// boolean family mask, per-family predicates and compiled regexes a merge
// scanner actually consults on every cell (§4.5). It generalizes the
// teacher's condition-to-boundaries compilation (storage/analyzer.go's
// extractBoundaries, which turns an SCMER lambda into per-column lower/
// upper bounds once so the hot scan loop never re-parses a condition) from
// SQL-predicate boundaries to cell-predicate boundaries: compile once at
// create_scanner time, consult cheaply per cell thereafter.
package scanctx

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/launix-de/tabletserver/internal/cellkey"
)

// QualifierMatch selects how a family's qualifier predicate is applied.
type QualifierMatch int

const (
	QualifierMatchNone QualifierMatch = iota
	QualifierMatchExact
	QualifierMatchPrefix
	QualifierMatchRegex
)

// CellPredicate is the compiled, per-family portion of a scan specification
// (§4.5): TTL cutoff, effective max_versions, counter flag and qualifier
// predicate.
type CellPredicate struct {
	Family        uint8
	TTLCutoff     int64 // cells with Timestamp < TTLCutoff are invisible; 0 means no TTL
	MaxVersions   int   // effective max_versions, min(schema, scan spec); 0 means unlimited
	CounterFamily bool

	QualifierMatchKind QualifierMatch
	QualifierExact     [][]byte
	QualifierPrefix    []byte
	QualifierRegex     *regexp.Regexp
}

// MatchesQualifier reports whether qualifier satisfies this family's
// qualifier predicate (always true if none was configured).
func (p *CellPredicate) MatchesQualifier(qualifier []byte) bool {
	switch p.QualifierMatchKind {
	case QualifierMatchNone:
		return true
	case QualifierMatchExact:
		for _, q := range p.QualifierExact {
			if string(q) == string(qualifier) {
				return true
			}
		}
		return false
	case QualifierMatchPrefix:
		if len(qualifier) < len(p.QualifierPrefix) {
			return false
		}
		return string(qualifier[:len(p.QualifierPrefix)]) == string(p.QualifierPrefix)
	case QualifierMatchRegex:
		return p.QualifierRegex.Match(qualifier)
	}
	return true
}

// FamilySpec is the caller-supplied, per-family portion of a Spec before
// compilation.
type FamilySpec struct {
	Family             uint8
	TTLSeconds         int64
	MaxVersions        int
	CounterFamily      bool
	QualifierMatchKind QualifierMatch
	QualifierExact     [][]byte
	QualifierPrefix    []byte
	QualifierRegexStr  string
}

// Spec is the uncompiled scan specification as received over the wire.
type Spec struct {
	Families []FamilySpec

	StartRow        []byte
	StartRowInclusive bool
	EndRow          []byte
	EndRowInclusive bool

	RowRegexStr   string
	ValueRegexStr string

	RevisionSnapshot int64 // 0 means "no upper bound" (use max int64 at compile time)
	Now              int64 // unix seconds the TTL cutoffs are computed relative to
	ReturnDeletes    bool
	RowLimit         int64
	CellLimit        int64
}

// Context is the compiled, immutable form a merge scanner consults. It is
// deep-copyable (a plain value holding only compiled, already-owned data)
// so it outlives the wire request buffer it was compiled from, per §4.5.
type Context struct {
	familyMask map[uint8]*CellPredicate

	StartKey []byte
	EndKey   []byte

	RowRegex   *regexp.Regexp
	ValueRegex *regexp.Regexp

	RevisionSnapshot int64
	ReturnDeletes    bool
	RowLimit         int64
	CellLimit        int64
}

var (
	ErrUnknownFamily         = errors.New("scanctx: unknown column family")
	ErrQualifierOnCounter    = errors.New("scanctx: qualifier predicate not allowed on a counter column family")
	ErrContradictoryInterval = errors.New("scanctx: contradictory cell interval")
	ErrStartAfterEnd         = errors.New("scanctx: start_row > end_row")
)

// Compile validates and compiles spec against the owning table's known
// family ids, returning every error synchronously per §4.5.
func Compile(spec *Spec, knownFamilies map[uint8]bool) (*Context, error) {
	if spec.StartRow != nil && spec.EndRow != nil && cellkey.Compare(spec.StartRow, spec.EndRow) > 0 {
		return nil, ErrStartAfterEnd
	}

	mask := make(map[uint8]*CellPredicate, len(spec.Families))
	for _, fs := range spec.Families {
		if knownFamilies != nil && !knownFamilies[fs.Family] {
			return nil, fmt.Errorf("%w: %d", ErrUnknownFamily, fs.Family)
		}
		if fs.CounterFamily && fs.QualifierMatchKind != QualifierMatchNone {
			return nil, ErrQualifierOnCounter
		}
		p := &CellPredicate{
			Family:             fs.Family,
			MaxVersions:        fs.MaxVersions,
			CounterFamily:      fs.CounterFamily,
			QualifierMatchKind: fs.QualifierMatchKind,
			QualifierExact:     fs.QualifierExact,
			QualifierPrefix:    fs.QualifierPrefix,
		}
		if fs.TTLSeconds > 0 {
			p.TTLCutoff = spec.Now - fs.TTLSeconds
		}
		if fs.QualifierMatchKind == QualifierMatchRegex {
			re, err := regexp.Compile(fs.QualifierRegexStr)
			if err != nil {
				return nil, fmt.Errorf("scanctx: compiling qualifier regex for family %d: %w", fs.Family, err)
			}
			p.QualifierRegex = re
		}
		mask[fs.Family] = p
	}

	ctx := &Context{
		familyMask:       mask,
		RevisionSnapshot: spec.RevisionSnapshot,
		ReturnDeletes:    spec.ReturnDeletes,
		RowLimit:         spec.RowLimit,
		CellLimit:        spec.CellLimit,
	}
	if ctx.RevisionSnapshot == 0 {
		ctx.RevisionSnapshot = 1<<63 - 1
	}

	if spec.RowRegexStr != "" {
		re, err := regexp.Compile(spec.RowRegexStr)
		if err != nil {
			return nil, fmt.Errorf("scanctx: compiling row regex: %w", err)
		}
		ctx.RowRegex = re
	}
	if spec.ValueRegexStr != "" {
		re, err := regexp.Compile(spec.ValueRegexStr)
		if err != nil {
			return nil, fmt.Errorf("scanctx: compiling value regex: %w", err)
		}
		ctx.ValueRegex = re
	}

	startKey, endKey, err := boundaryKeys(spec)
	if err != nil {
		return nil, err
	}
	ctx.StartKey = startKey
	ctx.EndKey = endKey
	return ctx, nil
}

// boundaryKeys derives the inclusive/exclusive scan boundary keys from the
// row interval, built directly from the row bytes in the serialized key
// layout the scanners compare against (§4.1).
func boundaryKeys(spec *Spec) (startKey, endKey []byte, err error) {
	if spec.StartRow != nil {
		startKey = append([]byte(nil), spec.StartRow...)
		startKey = append(startKey, 0) // just before any family byte of this row
		if !spec.StartRowInclusive {
			startKey = cellkey.RowPrefixUpperBound(spec.StartRow)
		}
	}
	if spec.EndRow != nil {
		if spec.EndRowInclusive {
			endKey = cellkey.RowPrefixUpperBound(spec.EndRow)
		} else {
			endKey = append([]byte(nil), spec.EndRow...)
			endKey = append(endKey, 0)
		}
	}
	return startKey, endKey, nil
}

// FamilyPredicate returns the compiled predicate for family, or nil if the
// family is not part of this scan's mask (callers should then skip every
// cell in that family).
func (c *Context) FamilyPredicate(family uint8) (*CellPredicate, bool) {
	if len(c.familyMask) == 0 {
		return nil, true // no explicit family list: every family is included with no predicate
	}
	p, ok := c.familyMask[family]
	return p, ok
}

// MatchesRow reports whether row satisfies the compiled row regex (always
// true if none was configured).
func (c *Context) MatchesRow(row []byte) bool {
	if c.RowRegex == nil {
		return true
	}
	return c.RowRegex.Match(row)
}

// MatchesValue reports whether value satisfies the compiled value regex
// (always true if none was configured).
func (c *Context) MatchesValue(value []byte) bool {
	if c.ValueRegex == nil {
		return true
	}
	return c.ValueRegex.Match(value)
}

// Clone returns a deep copy safe to retain after the originating request
// buffer is released (§4.5) — the compiled regexes and family mask are
// immutable and safely shared, so only the slice headers need copying.
func (c *Context) Clone() *Context {
	cp := *c
	cp.StartKey = append([]byte(nil), c.StartKey...)
	cp.EndKey = append([]byte(nil), c.EndKey...)
	return &cp
}
