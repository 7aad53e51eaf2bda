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

package cellkey

import "github.com/launix-de/tabletserver/internal/varint"

// EncodeEntry serializes one cell as (serialized key, value, is-counter-flag)
// for storage inside a commit-log block or cell-store data block payload
// (§4.1, §6). Both the update pipeline's commit stage and a cell store
// writer use this same shape, so a transfer log replayed against an access
// group and a cell store flush produce byte-identical entries.
func EncodeEntry(buf []byte, c *Cell, timeOrder TimeOrder) ([]byte, error) {
	key, err := Encode(c, timeOrder)
	if err != nil {
		return nil, err
	}
	return EncodeEntryWithKey(buf, key, c), nil
}

// EncodeEntryWithKey is EncodeEntry for a caller that already has the cell's
// encoded key on hand (e.g. because it also samples the key for a block
// index), avoiding a redundant Encode call.
func EncodeEntryWithKey(buf []byte, key []byte, c *Cell) []byte {
	buf = varint.AppendUvarint(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = varint.AppendUvarint(buf, uint32(len(c.Value)))
	buf = append(buf, c.Value...)
	if c.FamilyCounter {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeEntry parses one entry written by EncodeEntry, returning the cell
// and the number of bytes consumed from buf.
func DecodeEntry(buf []byte, timeOrder TimeOrder) (*Cell, int, error) {
	klen, n, err := varint.Uvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	off := n
	if int(klen) > len(buf)-off {
		return nil, 0, varint.ErrTruncated
	}
	key := buf[off : off+int(klen)]
	off += int(klen)

	vlen, n, err := varint.Uvarint(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += n
	if int(vlen) > len(buf)-off {
		return nil, 0, varint.ErrTruncated
	}
	value := buf[off : off+int(vlen)]
	off += int(vlen)

	if off >= len(buf) {
		return nil, 0, varint.ErrTruncated
	}
	familyCounter := buf[off] == 1
	off++

	cell, err := Decode(key, timeOrder)
	if err != nil {
		return nil, 0, err
	}
	cell.Value = value
	cell.FamilyCounter = familyCounter
	return cell, off, nil
}
