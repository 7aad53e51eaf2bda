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

package commitlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/launix-de/tabletserver/internal/dfs"
)

const defaultRollSize = 64 << 20 // 64MiB, matches the teacher's max_shardsize-style "don't overload a single file" sizing

// Writer appends blocks to one open fragment of a commit log directory,
// rolling to a new fragment (and writing the prior one's ".mark" sentinel)
// once the roll size is exceeded (§4.7). One Writer is single-writer
// per log, matching §5's "commit-log writers are single-writer per log".
type Writer struct {
	client   dfs.Client
	dir      string
	rollSize int64

	mu          sync.Mutex
	fragmentNum int
	handle      dfs.WriteHandle
	currentSize int64
	minRevision int64
	maxRevision int64
}

// NewWriter opens (or creates) dir for appending, positioning after the
// highest-numbered existing, unmarked fragment (or starting fragment 0).
func NewWriter(ctx context.Context, client dfs.Client, dir string, rollSize int64) (*Writer, error) {
	if rollSize <= 0 {
		rollSize = defaultRollSize
	}
	if err := client.Mkdirs(ctx, dir); err != nil {
		return nil, err
	}
	frags, marks, err := listFragments(ctx, client, dir)
	if err != nil {
		return nil, err
	}
	w := &Writer{client: client, dir: dir, rollSize: rollSize}
	if len(frags) == 0 {
		w.fragmentNum = 0
	} else {
		last := frags[len(frags)-1]
		if marks[last] {
			w.fragmentNum = last + 1
		} else {
			w.fragmentNum = last
			sz, _ := client.Length(ctx, w.fragmentPath())
			w.currentSize = sz
		}
	}
	h, err := client.Append(ctx, w.fragmentPath())
	if err != nil {
		return nil, err
	}
	w.handle = h
	return w, nil
}

func (w *Writer) fragmentPath() string {
	return fmt.Sprintf("%s/%d", w.dir, w.fragmentNum)
}

func (w *Writer) markPath() string {
	return fmt.Sprintf("%s/%d.mark", w.dir, w.fragmentNum)
}

// Append writes one block to the currently open fragment, rolling to a new
// fragment first if the roll size would be exceeded. sync forces an fsync
// (used by the group-commit stage, §4.8).
func (w *Writer) Append(ctx context.Context, payload []byte, codec Codec, revMin, revMax int64, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	block := EncodeBlock(payload, codec, revMin, revMax)
	if w.currentSize > 0 && w.currentSize+int64(len(block)) > w.rollSize {
		if err := w.rollLocked(ctx); err != nil {
			return err
		}
	}
	if _, err := w.handle.Write(block); err != nil {
		return err
	}
	w.currentSize += int64(len(block))
	if w.minRevision == 0 || revMin < w.minRevision {
		w.minRevision = revMin
	}
	if revMax > w.maxRevision {
		w.maxRevision = revMax
	}
	if sync {
		return w.handle.Sync()
	}
	return w.handle.Flush()
}

// Sync forces the currently open fragment to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle.Sync()
}

func (w *Writer) rollLocked(ctx context.Context) error {
	if err := w.handle.Close(); err != nil {
		return err
	}
	mark, err := w.client.Create(ctx, w.markPath(), 1)
	if err != nil {
		return err
	}
	if err := mark.Close(); err != nil {
		return err
	}
	w.fragmentNum++
	w.currentSize = 0
	h, err := w.client.Append(ctx, w.fragmentPath())
	if err != nil {
		return err
	}
	w.handle = h
	return nil
}

// Close closes the currently open fragment without marking it (an open,
// unmarked fragment is exactly what a crash leaves behind, and is expected
// by the reader — it is simply read to whatever its last complete block
// was, per §4.7).
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle.Close()
}

// MaxRevision reports the highest revision written so far, used by pruning
// to decide whether every fragment in this log is older than the oldest
// live range revision (§4.7).
func (w *Writer) MaxRevision() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxRevision
}

func listFragments(ctx context.Context, client dfs.Client, dir string) ([]int, map[int]bool, error) {
	names, err := client.Readdir(ctx, dir)
	if err != nil {
		return nil, nil, nil // directory not present yet: no fragments
	}
	marks := make(map[int]bool)
	var nums []int
	seen := make(map[int]bool)
	for _, n := range names {
		if strings.HasSuffix(n, ".mark") {
			numStr := strings.TrimSuffix(n, ".mark")
			if num, err := strconv.Atoi(numStr); err == nil {
				marks[num] = true
			}
			continue
		}
		if num, err := strconv.Atoi(n); err == nil {
			if !seen[num] {
				seen[num] = true
				nums = append(nums, num)
			}
		}
	}
	sort.Ints(nums)
	return nums, marks, nil
}
