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

package commitlog

import (
	"context"
	"fmt"

	"github.com/launix-de/tabletserver/internal/dfs"
)

// BlockVisitor is called once per decoded block during a replay. Returning
// a non-nil error aborts the replay.
type BlockVisitor func(header BlockHeader, payload []byte) error

// Reader replays the fragments of a commit log directory in order,
// including any logs linked into it (§4.7's "transfer log" case, where a
// range's transfer log is linked under the destination range's commit log
// so a single replay walks both).
type Reader struct {
	client dfs.Client
	dir    string
}

func NewReader(client dfs.Client, dir string) *Reader {
	return &Reader{client: client, dir: dir}
}

// Replay walks every linked directory (oldest-linked first, so cells from
// a transferred range replay before the receiving range's own log) and then
// this reader's own directory, visiting every block in every fragment in
// ascending fragment-number order.
func (r *Reader) Replay(ctx context.Context, visit BlockVisitor) error {
	linked, err := ReadLinks(ctx, r.client, r.dir)
	if err != nil {
		return err
	}
	for _, dir := range linked {
		if err := replayDir(ctx, r.client, dir, visit); err != nil {
			return err
		}
	}
	return replayDir(ctx, r.client, r.dir, visit)
}

func replayDir(ctx context.Context, client dfs.Client, dir string, visit BlockVisitor) error {
	nums, marks, err := listFragments(ctx, client, dir)
	if err != nil {
		return err
	}
	for _, n := range nums {
		path := fmt.Sprintf("%s/%d", dir, n)
		size, err := client.Length(ctx, path)
		if err != nil {
			return err
		}
		if size == 0 {
			// A fragment that was created (e.g. by roll) but never written
			// to before a crash; nothing to replay and nothing to remove
			// it for — the next writer reuses or skips past it.
			continue
		}
		data, err := dfs.ReadFile(ctx, client, path)
		if err != nil {
			return err
		}
		if err := replayFragment(data, marks[n], visit); err != nil {
			return fmt.Errorf("commitlog: replaying %s: %w", path, err)
		}
	}
	return nil
}

// replayFragment decodes consecutive blocks from data. A truncated trailing
// block is the expected shape of a fragment that was open (unmarked) at
// crash time, and is treated as a clean end of stream rather than an error.
// A truncated block in a fragment that IS marked closed, or a checksum
// failure anywhere, is real corruption and returned as an error.
func replayFragment(data []byte, closed bool, visit BlockVisitor) error {
	off := 0
	for off < len(data) {
		payload, n, err := DecodeBlock(data[off:])
		if err != nil {
			if err == ErrTruncated && !closed {
				return nil
			}
			return err
		}
		header, _, _ := DecodeBlockHeader(data[off:])
		if err := visit(header, payload); err != nil {
			return err
		}
		off += n
	}
	return nil
}
