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

package cellstore

import (
	"context"
	"sort"

	"github.com/holiman/bloomfilter/v2"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/commitlog"
	"github.com/launix-de/tabletserver/internal/dfs"
)

// Reader serves point and range reads against one immutable cell store
// file. A Reader is safe for concurrent use by multiple scanners (§4.4),
// matching the teacher's read-only on-disk formats being inherently
// shareable once built.
type Reader struct {
	handle    dfs.ReadHandle
	timeOrder cellkey.TimeOrder

	trailer trailer
	index   []indexEntry
	bloom   *bloomfilter.Filter
}

// Open reads the trailer, block index and bloom filter of an existing cell
// store file, leaving the data blocks themselves to be paged in on demand
// during Scan.
func Open(ctx context.Context, client dfs.Client, path string, timeOrder cellkey.TimeOrder) (*Reader, error) {
	h, err := client.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	size, err := client.Length(ctx, path)
	if err != nil {
		h.Close()
		return nil, err
	}
	if size < int64(trailerSize) {
		h.Close()
		return nil, ErrBadTrailer
	}
	trailerBuf := make([]byte, trailerSize)
	if _, err := h.ReadAt(trailerBuf, size-int64(trailerSize)); err != nil {
		h.Close()
		return nil, err
	}
	t, err := decodeTrailer(trailerBuf)
	if err != nil {
		h.Close()
		return nil, err
	}

	indexBuf := make([]byte, t.IndexLength)
	if _, err := h.ReadAt(indexBuf, t.IndexOffset); err != nil {
		h.Close()
		return nil, err
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		h.Close()
		return nil, err
	}

	bloomBuf := make([]byte, t.BloomLength)
	if _, err := h.ReadAt(bloomBuf, t.BloomOffset); err != nil {
		h.Close()
		return nil, err
	}
	bf := new(bloomfilter.Filter)
	if err := bf.UnmarshalBinary(bloomBuf); err != nil {
		h.Close()
		return nil, err
	}

	return &Reader{handle: h, timeOrder: timeOrder, trailer: t, index: index, bloom: bf}, nil
}

func (r *Reader) Close() error { return r.handle.Close() }

// CellCount is the number of cells stored in this run.
func (r *Reader) CellCount() int64 { return r.trailer.CellCount }

// RevisionRange returns the [min, max] revision carried by cells in this
// run, used to decide whether a commit log fragment predating it is safe
// to prune (§4.7) and whether a scan's as-of-revision bound can skip the
// run entirely.
func (r *Reader) RevisionRange() (int64, int64) {
	return r.trailer.RevisionMin, r.trailer.RevisionMax
}

// MayContainRow reports whether row could be present in this run. A false
// return is authoritative (the row is definitely absent); a true return
// requires an actual scan to confirm.
func (r *Reader) MayContainRow(row []byte) bool {
	return r.bloom.Contains(rowHash(row))
}

// Scan invokes fn for every cell whose encoded key falls in [startKey,
// endKey) (endKey == nil means unbounded), in ascending key order, reading
// only the data blocks that can possibly contain a matching key.
func (r *Reader) Scan(startKey, endKey []byte, fn func(cell *cellkey.Cell) bool) error {
	if len(r.index) == 0 {
		return nil
	}
	startBlock := 0
	if startKey != nil {
		startBlock = sort.Search(len(r.index), func(i int) bool {
			return cellkey.Compare(r.index[i].firstKey, startKey) > 0
		}) - 1
		if startBlock < 0 {
			startBlock = 0
		}
	}

	for bi := startBlock; bi < len(r.index); bi++ {
		if endKey != nil && cellkey.Compare(r.index[bi].firstKey, endKey) >= 0 {
			break
		}
		blockLen := r.blockByteLength(bi)
		raw := make([]byte, blockLen)
		if _, err := r.handle.ReadAt(raw, r.index[bi].offset); err != nil {
			return err
		}
		payload, _, err := commitlog.DecodeBlock(raw)
		if err != nil {
			return err
		}
		off := 0
		for off < len(payload) {
			cell, n, err := decodeCellEntry(payload[off:], r.timeOrder)
			if err != nil {
				return err
			}
			off += n
			key, err := cellkey.Encode(cell, r.timeOrder)
			if err != nil {
				return err
			}
			if startKey != nil && cellkey.Compare(key, startKey) < 0 {
				continue
			}
			if endKey != nil && cellkey.Compare(key, endKey) >= 0 {
				return nil
			}
			if !fn(cell) {
				return nil
			}
		}
	}
	return nil
}

// SampleRows returns up to n evenly-spaced row keys drawn from the block
// index's first keys, used alongside cellcache.CellCache.SplitRowEstimateData
// to propose a split row without decompressing any data block (§4.6).
func (r *Reader) SampleRows(n int) [][]byte {
	if n <= 0 || len(r.index) == 0 {
		return nil
	}
	stride := len(r.index) / n
	if stride < 1 {
		stride = 1
	}
	var out [][]byte
	for i := 0; i < len(r.index) && len(out) < n; i += stride {
		cell, err := cellkey.Decode(r.index[i].firstKey, r.timeOrder)
		if err != nil {
			continue
		}
		out = append(out, append([]byte(nil), cell.Row...))
	}
	return out
}

// blockByteLength computes how many bytes the block starting at index bi
// occupies, using the next block's offset (or the index section's offset
// for the final block) as the upper bound.
func (r *Reader) blockByteLength(bi int) int64 {
	if bi+1 < len(r.index) {
		return r.index[bi+1].offset - r.index[bi].offset
	}
	return r.trailer.IndexOffset - r.index[bi].offset
}
