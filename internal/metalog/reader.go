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

package metalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/launix-de/tabletserver/internal/dfs"
	"github.com/launix-de/tabletserver/internal/fletcher"
)

// RecoverResult is what replaying a log directory yields: the collapsed,
// latest-wins view of every live entity, and the file number a Writer
// should continue appending to (§4.10's "Load" phase passes this straight
// into Open).
type RecoverResult struct {
	Entities map[int64]Entity
	FileNum  int
}

// Reader replays a single metalog directory. It is used once per directory
// at server start (§4.10); a long-lived process keeps state in the Writer's
// in-memory entity map from then on.
type Reader struct {
	client dfs.Client
	dir    string
	def    Definition
}

func NewReader(client dfs.Client, dir string, def Definition) *Reader {
	return &Reader{client: client, dir: dir, def: def}
}

// Load scans dir for numerically-named files, reads the highest-numbered
// one (every earlier file's state has already been folded into it by the
// writer's roll-time dump, so nothing earlier needs to be read), and
// collapses its records by id. It returns (nil, nil) for a directory that
// does not exist yet or holds no files — a brand-new log.
//
// A missing EntityRecover sentinel anywhere in the file's record stream
// means the writer that produced it crashed mid-dump; this is reported as
// ErrMissingRecoverEntity rather than silently returning partial state
// (§8 property 8).
func (r *Reader) Load(ctx context.Context) (*RecoverResult, error) {
	nums, err := listLogFiles(ctx, r.client, r.dir)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, nil
	}
	fileNum := nums[len(nums)-1]
	path := fmt.Sprintf("%s/%d", r.dir, fileNum)
	data, err := dfs.ReadFile(ctx, r.client, path)
	if err != nil {
		return nil, err
	}

	version, off, err := decodeFileHeader(data, r.def.Name)
	if err != nil {
		return nil, err
	}
	if version > r.def.Version {
		return nil, ErrVersionMismatch
	}

	entities := make(map[int64]Entity)
	sawRecover := false
	for off < len(data) {
		h, err := decodeEntityHeader(data[off:])
		if err != nil {
			return nil, err
		}
		recEnd := off + entityHeaderSize + int(h.Length)
		if recEnd > len(data) {
			return nil, ErrTruncated
		}
		payload := data[off+entityHeaderSize : recEnd]
		if fletcher.Checksum32(payload) != h.Checksum {
			return nil, ErrChecksumMismatch
		}
		off = recEnd

		switch {
		case h.Type == TypeRecover:
			sawRecover = true
		case h.Flags&FlagRemove != 0:
			delete(entities, h.ID)
		default:
			e, err := r.def.Decode(h.Type, payload)
			if err != nil {
				return nil, err
			}
			entities[h.ID] = e
		}
	}
	if !sawRecover {
		return nil, ErrMissingRecoverEntity
	}

	return &RecoverResult{Entities: entities, FileNum: fileNum}, nil
}

// listLogFiles returns the numeric file names present in dir, ascending.
func listLogFiles(ctx context.Context, client dfs.Client, dir string) ([]int, error) {
	names, err := client.Readdir(ctx, dir)
	if err != nil {
		return nil, nil // directory not present yet: a brand-new log
	}
	var nums []int
	for _, n := range names {
		if num, err := strconv.Atoi(n); err == nil {
			nums = append(nums, num)
		}
	}
	sort.Ints(nums)
	return nums, nil
}
