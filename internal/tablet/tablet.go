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

// Package tablet owns the Range: one contiguous, half-open slice of a
// table's row space (§3, §4.6), its access groups, its metalog-backed state
// machine, and the load/replay/split/relinquish lifecycle of §4.10. It plays
// the role the teacher's table.go/shard.go pair plays for a single process
// row range, generalized from a fixed Shards slice sharded by row count
// (table.go's max_shardsize) to a dynamically split/relinquished range tree
// shared across a cluster of range servers.
package tablet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/launix-de/tabletserver/internal/cellkey"
)

// ColumnFamily is one column family's schema-level configuration: the id it
// is addressed by in a serialized key, its time order, and the defaults a
// scan context falls back to when a scan spec doesn't override them.
type ColumnFamily struct {
	ID            uint8
	Name          string
	AccessGroup   string // which access group this family is stored in (§3 "a subset of column families stored together")
	TimeOrder     cellkey.TimeOrder
	MaxVersions   int
	TTLSeconds    int64
	CounterFamily bool
}

// TableInfo is the schema-level, cluster-wide-shared description every
// Range belonging to the same table points at (§4.6: "a range owns one
// TableInfo pointer, shared"). Grounded on the teacher's table struct
// (storage/table.go): Columns there is Families here, and the
// max_shardsize constant that keeps a single shard "responsive" under a
// parallel full scan is this package's DefaultSplitThreshold — the same
// concern (don't let one storage unit grow unboundedly) generalized from a
// fixed row-count cap to a byte-size split trigger a range server's
// maintenance scheduler can act on.
type TableInfo struct {
	ID   string // schema generation id; add() rejects a cell whose caller expected a different id
	Name string

	mu       sync.RWMutex
	families map[uint8]ColumnFamily
}

// DefaultSplitThreshold bounds how large an access group's on-disk and
// in-memory footprint may grow before the maintenance scheduler proposes a
// split (§4.10, §4.11) — the same "don't overload a single storage unit"
// concern as the teacher's max_shardsize, sized for a cell store rather
// than an in-memory shard.
const DefaultSplitThreshold = 256 << 20

// NewTableInfo builds a TableInfo from its column families.
func NewTableInfo(id, name string, families []ColumnFamily) *TableInfo {
	t := &TableInfo{ID: id, Name: name, families: make(map[uint8]ColumnFamily, len(families))}
	for _, f := range families {
		t.families[f.ID] = f
	}
	return t
}

// Family looks up one column family's configuration by id.
func (t *TableInfo) Family(id uint8) (ColumnFamily, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.families[id]
	return f, ok
}

// KnownFamilies returns the set of family ids this table defines, the shape
// scanctx.Compile wants for validating a scan spec's family list.
func (t *TableInfo) KnownFamilies() map[uint8]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint8]bool, len(t.families))
	for id := range t.families {
		out[id] = true
	}
	return out
}

// Families returns every column family this table defines.
func (t *TableInfo) Families() []ColumnFamily {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ColumnFamily, 0, len(t.families))
	for _, f := range t.families {
		out = append(out, f)
	}
	return out
}

// AccessGroups returns the distinct access group names this table's
// families are partitioned into, in no particular order.
func (t *TableInfo) AccessGroups() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, f := range t.families {
		if !seen[f.AccessGroup] {
			seen[f.AccessGroup] = true
			out = append(out, f.AccessGroup)
		}
	}
	return out
}

// Errors surfaced by Range's public operations (§4.6's operations table,
// §7's error handling design). CLOCK_SKEW additionally carries the
// offending byte range of the originating request (§8 scenario S4) via
// ClockSkewError rather than being a bare sentinel.
var (
	ErrGenerationMismatch  = errors.New("tablet: schema generation mismatch")
	ErrRangeNotFound       = errors.New("tablet: range not found (boundaries have since shrunk)")
	ErrServerShuttingDown  = errors.New("tablet: server shutting down")
	ErrRequestTruncated    = errors.New("tablet: request truncated")
	ErrChecksumMismatch    = errors.New("tablet: checksum mismatch")
	ErrClockSkew           = errors.New("tablet: clock skew")
	ErrRangeDropping       = errors.New("tablet: range is being dropped or relinquished")
	ErrIllegalTransition   = errors.New("tablet: illegal range state transition")
	ErrLoadAlreadyAcked    = errors.New("tablet: load already acknowledged")
)

// ClockSkewError reports a rejected update whose assigned revision would
// have gone backwards relative to the range's latest_revision, naming the
// byte range of the mutation within the originating request buffer so the
// wire layer can point the caller at exactly what was rejected (§8 S4).
type ClockSkewError struct {
	RangeID        int64
	LatestRevision int64
	AssignedClock  int64
	Offset         int
	Length         int
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("tablet: clock skew on range %d: clock %d precedes latest_revision %d (request bytes [%d:%d])",
		e.RangeID, e.AssignedClock, e.LatestRevision, e.Offset, e.Offset+e.Length)
}

func (e *ClockSkewError) Unwrap() error { return ErrClockSkew }
