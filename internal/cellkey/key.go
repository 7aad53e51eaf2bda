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

package cellkey

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrEmbeddedNUL is returned when a row or qualifier contains a 0x00 byte:
// the serialized key uses plain NUL-terminated runs (not a length prefix)
// so that memcmp on a shared prefix sorts a shorter key before a longer one
// with no extra bookkeeping, the same constraint Hypertable's row keys carry.
var ErrEmbeddedNUL = errors.New("cellkey: row or qualifier must not contain a NUL byte")

const signBit = uint64(1) << 63

func signFlip(v int64) uint64 { return uint64(v) ^ signBit }
func signUnflip(v uint64) int64 { return int64(v ^ signBit) }

// encodeTemporal writes the 8-byte big-endian encoding of v such that
// ascending byte order reproduces descending chronological order when
// order is TimeOrderDescending, and ascending chronological order when
// order is TimeOrderAscending (§4.1). Revision is always encoded as if
// order were Descending: the newest (largest) revision must sort first so
// that replay and scans see the latest write first (§3).
func encodeTemporal(buf []byte, v int64, order TimeOrder) {
	base := signFlip(v)
	if order == TimeOrderDescending {
		base = ^base
	}
	binary.BigEndian.PutUint64(buf, base)
}

func decodeTemporal(buf []byte, order TimeOrder) int64 {
	base := binary.BigEndian.Uint64(buf)
	if order == TimeOrderDescending {
		base = ^base
	}
	return signUnflip(base)
}

// Encode serializes cell into its byte-comparable key form: row, family,
// qualifier, flag, timestamp (inverted only when timeOrder is descending),
// inverted revision (§3, §4.1). timeOrder is the owning column family's
// configured temporal ordering.
func Encode(c *Cell, timeOrder TimeOrder) ([]byte, error) {
	if bytes.IndexByte(c.Row, 0) >= 0 || bytes.IndexByte(c.Qualifier, 0) >= 0 {
		return nil, ErrEmbeddedNUL
	}
	buf := make([]byte, 0, len(c.Row)+len(c.Qualifier)+19)
	buf = append(buf, c.Row...)
	buf = append(buf, 0)
	buf = append(buf, c.Family)
	buf = append(buf, c.Qualifier...)
	buf = append(buf, 0)
	buf = append(buf, byte(c.Flag))
	var tmp [8]byte
	encodeTemporal(tmp[:], c.Timestamp, timeOrder)
	buf = append(buf, tmp[:]...)
	encodeTemporal(tmp[:], c.Revision, TimeOrderDescending) // revision is always newest-first
	buf = append(buf, tmp[:]...)
	return buf, nil
}

// Decode parses a serialized key produced by Encode. Row and Qualifier are
// zero-copy slices into buf (§4.1): callers that retain them across a
// buffer reuse must copy.
func Decode(buf []byte, timeOrder TimeOrder) (*Cell, error) {
	rowEnd := bytes.IndexByte(buf, 0)
	if rowEnd < 0 || rowEnd+1 >= len(buf) {
		return nil, errors.New("cellkey: truncated key (row)")
	}
	row := buf[:rowEnd]
	family := buf[rowEnd+1]
	rest := buf[rowEnd+2:]
	qualEnd := bytes.IndexByte(rest, 0)
	if qualEnd < 0 {
		return nil, errors.New("cellkey: truncated key (qualifier)")
	}
	qualifier := rest[:qualEnd]
	rest = rest[qualEnd+1:]
	if len(rest) < 17 {
		return nil, errors.New("cellkey: truncated key (flag/timestamp/revision)")
	}
	flag := Flag(rest[0])
	ts := decodeTemporal(rest[1:9], timeOrder)
	rev := decodeTemporal(rest[9:17], TimeOrderDescending)
	return &Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Revision:  rev,
		Flag:      flag,
	}, nil
}

// Compare orders two serialized keys the way the raw bytes already do
// (memcmp); provided for readability at call sites and for index code that
// wants a named comparator rather than bytes.Compare directly.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// RowPrefixUpperBound returns a key strictly greater than every serialized
// key whose row starts with row (so also every key whose row equals row),
// by incrementing the last non-0xff byte of a copy of row and dropping the
// bytes after it (or appending 0xff if every byte is 0xff). Keys of rows
// that merely extend row, such as "ab" for row "a", also sort below it.
func RowPrefixUpperBound(row []byte) []byte {
	out := make([]byte, len(row))
	copy(out, row)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	// all 0xff: no finite upper bound shorter than row+0xff; append sentinel
	return append(out, 0xff)
}
