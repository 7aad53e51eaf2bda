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

// Package cellstore is the immutable, on-disk sorted run an access group's
// cell cache is flushed into (§4.3): compressed data blocks, a block index
// sampling one key per block, a row-existence bloom filter, and a fixed
// trailer at the end of the file. It reuses internal/commitlog's block
// codec (itself grounded on the teacher's storage_compress_test.go
// compression pipeline and github.com/pierrec/lz4) for the data blocks, and
// adds github.com/holiman/bloomfilter/v2 for the row filter — a library
// that appears in this retrieval pack's erigon-lib member for exactly the
// same "skip a whole on-disk run without reading it" purpose the block
// index and bloom filter serve here.
package cellstore

import (
	"encoding/binary"
	"errors"
	"hash"
	"hash/fnv"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/varint"
)

const magic = "CLS1"

// trailer is the fixed-size footer written at the very end of a cell store
// file so a reader can locate every other section by seeking from EOF.
type trailer struct {
	IndexOffset   int64
	IndexLength   int64
	BloomOffset   int64
	BloomLength   int64
	CellCount     int64
	RevisionMin   int64
	RevisionMax   int64
}

const trailerBodySize = 8 * 7
const trailerSize = len(magic) + trailerBodySize

var ErrBadTrailer = errors.New("cellstore: bad trailer magic")

func encodeTrailer(t trailer) []byte {
	buf := make([]byte, 0, trailerSize)
	buf = append(buf, magic...)
	var tmp [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(v))
		buf = append(buf, tmp[:]...)
	}
	put(t.IndexOffset)
	put(t.IndexLength)
	put(t.BloomOffset)
	put(t.BloomLength)
	put(t.CellCount)
	put(t.RevisionMin)
	put(t.RevisionMax)
	return buf
}

func decodeTrailer(buf []byte) (trailer, error) {
	if len(buf) != trailerSize || string(buf[:len(magic)]) != magic {
		return trailer{}, ErrBadTrailer
	}
	buf = buf[len(magic):]
	get := func(i int) int64 {
		return int64(binary.LittleEndian.Uint64(buf[i*8 : i*8+8]))
	}
	return trailer{
		IndexOffset: get(0),
		IndexLength: get(1),
		BloomOffset: get(2),
		BloomLength: get(3),
		CellCount:   get(4),
		RevisionMin: get(5),
		RevisionMax: get(6),
	}, nil
}

// indexEntry samples the first key of one data block, paired with the file
// offset the block's header starts at.
type indexEntry struct {
	firstKey []byte
	offset   int64
}

func encodeIndex(entries []indexEntry) []byte {
	var buf []byte
	buf = varint.AppendUvarint(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = varint.AppendUvarint(buf, uint32(len(e.firstKey)))
		buf = append(buf, e.firstKey...)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(e.offset))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	count, n, err := varint.Uvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		klen, n, err := varint.Uvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		if int(klen) > len(buf) {
			return nil, varint.ErrTruncated
		}
		key := buf[:klen]
		buf = buf[klen:]
		if len(buf) < 8 {
			return nil, varint.ErrTruncated
		}
		offset := int64(binary.LittleEndian.Uint64(buf[:8]))
		buf = buf[8:]
		entries = append(entries, indexEntry{firstKey: key, offset: offset})
	}
	return entries, nil
}

// rowHash feeds a row key through FNV-64a for the bloom filter, matching
// the hash.Hash64 interface bloomfilter.Filter.Add/Contains require.
func rowHash(row []byte) hash.Hash64 {
	h := fnv.New64a()
	h.Write(row)
	return h
}

// encodeCellEntry serializes one cell as (key, value, isFamilyCounter) for
// storage inside a data block's compressed payload. The wire shape is owned
// by internal/cellkey (EncodeEntryWithKey) so that internal/tablet's
// transfer-log replay and the update pipeline's commit stage can produce and
// consume the exact same entries without duplicating this logic.
func encodeCellEntry(buf []byte, key []byte, c *cellkey.Cell) []byte {
	return cellkey.EncodeEntryWithKey(buf, key, c)
}

func decodeCellEntry(buf []byte, timeOrder cellkey.TimeOrder) (*cellkey.Cell, int, error) {
	return cellkey.DecodeEntry(buf, timeOrder)
}
