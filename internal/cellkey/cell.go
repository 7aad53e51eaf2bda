/*
Copyright (C) 2023  Carl-Philip Hänsch

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

// Package cellkey is the key model: the logical Cell record, the flag space,
// and the byte-comparable serialized key layout (§3, §4.1). It plays the
// role the teacher's table.go dataset/column types play for a single
// process row, generalized to the versioned, multi-family cell the range
// server actually stores.
package cellkey

import "bytes"

// Flag orders deletes by decreasing specificity, per §3: a more general
// delete masks an earlier, more specific insert. DeleteRow is given the
// smallest ordinal so it sorts before every other cell of the same row.
type Flag uint8

const (
	DeleteRow Flag = iota
	DeleteColumnFamily
	DeleteCell
	DeleteCellVersion
	Insert
)

func (f Flag) String() string {
	switch f {
	case DeleteRow:
		return "DELETE_ROW"
	case DeleteColumnFamily:
		return "DELETE_COLUMN_FAMILY"
	case DeleteCell:
		return "DELETE_CELL"
	case DeleteCellVersion:
		return "DELETE_CELL_VERSION"
	case Insert:
		return "INSERT"
	default:
		return "UNKNOWN_FLAG"
	}
}

// IsDelete reports whether the flag marks a tombstone of any granularity.
func (f Flag) IsDelete() bool { return f != Insert }

// TimeOrder selects ascending or descending temporal ordering within a row +
// column, configured per column family (§3).
type TimeOrder uint8

const (
	TimeOrderAscending TimeOrder = iota
	TimeOrderDescending
)

// CounterOp is the one-byte operator carried by a 9-byte counter value
// (8-byte big-endian int64 + operator), per §3.
type CounterOp byte

const (
	CounterAdd   CounterOp = '+'
	CounterReset CounterOp = '='
)

// Cell is the logical record: (row, family, qualifier, timestamp, revision,
// flag, value). Timestamp is user-logical time (possibly auto-assigned from
// a monotonic wall clock); Revision is the server-assigned, monotonically
// non-decreasing crash-recovery ordering key (§3).
type Cell struct {
	Row          []byte
	Family       uint8
	Qualifier    []byte
	Timestamp    int64
	Revision     int64
	Flag         Flag
	Value        []byte
	FamilyCounter bool // true if Family is a counter column family
}

// IsCounter reports whether Value encodes a 9-byte counter operation.
func (c *Cell) IsCounter() bool {
	return c.FamilyCounter && len(c.Value) == 9
}

// CounterValue decodes a counter cell's payload into its int64 operand and
// operator. Callers must first check IsCounter.
func (c *Cell) CounterValue() (int64, CounterOp) {
	v := int64(0)
	for i := 0; i < 8; i++ {
		v = v<<8 | int64(c.Value[i])
	}
	return v, CounterOp(c.Value[8])
}

// EncodeCounter packs a counter operand and operator into the 9-byte wire
// representation described in §3.
func EncodeCounter(v int64, op CounterOp) []byte {
	out := make([]byte, 9)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	out[8] = byte(op)
	return out
}

// Equal compares two cells field by field (used by round-trip tests, §8
// property 5).
func Equal(a, b *Cell) bool {
	return bytes.Equal(a.Row, b.Row) &&
		a.Family == b.Family &&
		bytes.Equal(a.Qualifier, b.Qualifier) &&
		a.Timestamp == b.Timestamp &&
		a.Revision == b.Revision &&
		a.Flag == b.Flag &&
		bytes.Equal(a.Value, b.Value)
}
