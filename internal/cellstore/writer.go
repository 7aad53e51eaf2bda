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

	"github.com/holiman/bloomfilter/v2"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/commitlog"
	"github.com/launix-de/tabletserver/internal/dfs"
)

const defaultBlockSize = 64 << 10 // 64KiB of uncompressed cell data per block, matching the roll-size mindset of commitlog's fragments

// Writer produces one immutable cell store file from cells delivered in
// ascending key order (the caller — typically a drained, merged
// cellcache.CellCache — guarantees the ordering; Writer itself does not
// sort). Cells must all belong to the same access group and time order.
type Writer struct {
	handle    dfs.WriteHandle
	timeOrder cellkey.TimeOrder
	blockSize int

	offset       int64
	pending      []byte
	pendingFirst []byte
	haveFirst    bool

	index   []indexEntry
	bloom   *bloomfilter.Filter
	count   int64
	revMin  int64
	revMax  int64
	haveRev bool
}

// Create opens path for writing and returns a Writer ready to accept cells.
// expectedCells sizes the bloom filter (zero is allowed; it falls back to a
// conservative default).
func Create(ctx context.Context, client dfs.Client, path string, timeOrder cellkey.TimeOrder, expectedCells uint64) (*Writer, error) {
	h, err := client.Create(ctx, path, 3)
	if err != nil {
		return nil, err
	}
	if expectedCells == 0 {
		expectedCells = 1024
	}
	bf, err := bloomfilter.NewOptimal(expectedCells, 0.01)
	if err != nil {
		return nil, err
	}
	return &Writer{
		handle:    h,
		timeOrder: timeOrder,
		blockSize: defaultBlockSize,
		bloom:     bf,
	}, nil
}

// Add appends one cell. Cells must arrive in ascending encoded-key order.
func (w *Writer) Add(cell *cellkey.Cell) error {
	key, err := cellkey.Encode(cell, w.timeOrder)
	if err != nil {
		return err
	}
	if !w.haveFirst {
		w.pendingFirst = key
		w.haveFirst = true
	}
	w.pending = encodeCellEntry(w.pending, key, cell)
	w.bloom.Add(rowHash(cell.Row))
	w.count++
	if !w.haveRev || cell.Revision < w.revMin {
		w.revMin = cell.Revision
	}
	if cell.Revision > w.revMax {
		w.revMax = cell.Revision
	}
	w.haveRev = true

	if len(w.pending) >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}
	block := commitlog.EncodeBlock(w.pending, commitlog.CodecLZ4, w.revMin, w.revMax)
	if _, err := w.handle.Write(block); err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{firstKey: w.pendingFirst, offset: w.offset})
	w.offset += int64(len(block))
	w.pending = w.pending[:0]
	w.haveFirst = false
	return nil
}

// Close flushes any buffered cells, writes the index, bloom filter and
// trailer, and closes the underlying handle.
func (w *Writer) Close() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	indexBytes := encodeIndex(w.index)
	indexOffset := w.offset
	if _, err := w.handle.Write(indexBytes); err != nil {
		return err
	}
	w.offset += int64(len(indexBytes))

	bloomBytes, err := w.bloom.MarshalBinary()
	if err != nil {
		return err
	}
	bloomOffset := w.offset
	if _, err := w.handle.Write(bloomBytes); err != nil {
		return err
	}
	w.offset += int64(len(bloomBytes))

	t := trailer{
		IndexOffset: indexOffset,
		IndexLength: int64(len(indexBytes)),
		BloomOffset: bloomOffset,
		BloomLength: int64(len(bloomBytes)),
		CellCount:   w.count,
		RevisionMin: w.revMin,
		RevisionMax: w.revMax,
	}
	if _, err := w.handle.Write(encodeTrailer(t)); err != nil {
		return err
	}
	if err := w.handle.Sync(); err != nil {
		return err
	}
	return w.handle.Close()
}
