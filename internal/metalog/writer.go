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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/launix-de/tabletserver/internal/dfs"
	"github.com/launix-de/tabletserver/internal/fletcher"
)

// ErrClosed is returned by RecordState/RecordRemoval once Close has been
// called, letting a caller distinguish "writer shut down" from any other
// I/O failure (e.g. to surface SERVER_SHUTTING_DOWN rather than a generic
// error, per §7).
var ErrClosed = errors.New("metalog: writer closed")

const (
	defaultHistorySize   = 3
	defaultMaxFileSize   = 8 << 20
	defaultFlushInterval = 5 * time.Second
)

// Options configures file rolling and the background flush cadence; a zero
// Options uses the package defaults.
type Options struct {
	HistorySize   int           // most-recent files kept on roll; <=0 uses defaultHistorySize
	MaxFileSize   int64         // bytes written before rolling; <=0 uses defaultMaxFileSize
	FlushInterval time.Duration // background Sync period; <=0 uses defaultFlushInterval
}

// Writer appends typed entity records to one log directory, holding an
// exclusive DFS file and, optionally, a mirrored local file (§4.9). It is
// grounded on Hypertable's MetaLog::Writer: an id-keyed in-memory map that
// always reflects the latest version of every live entity, a background
// WriteScheduler that flushes on a fixed interval, and SignalWriteReady for
// an immediate flush on durability-critical writes — which, for this log,
// is every write: RecordState and RecordRemoval both sync before returning.
type Writer struct {
	client dfs.Client
	local  dfs.Client // optional mirror; nil disables mirroring
	dir    string
	def    Definition

	historySize int
	maxFileSize int64

	mu          sync.Mutex
	fileNum     int
	handle      dfs.WriteHandle
	localHandle dfs.WriteHandle
	currentSize int64
	entities    map[int64]Entity
	closed      bool

	stopTicker chan struct{}
	tickerDone chan struct{}
}

// Open continues an existing log (recovered non-nil, as returned by
// Reader.Load) or starts a brand-new one (recovered nil). A brand-new log's
// first file is written with an empty initial dump immediately followed by
// the EntityRecover sentinel, so it is valid to read back even before any
// RecordState call.
func Open(ctx context.Context, client dfs.Client, local dfs.Client, dir string, def Definition, recovered *RecoverResult, opts Options) (*Writer, error) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if err := client.Mkdirs(ctx, dir); err != nil {
		return nil, err
	}
	if local != nil {
		if err := local.Mkdirs(ctx, dir); err != nil {
			return nil, err
		}
	}

	w := &Writer{
		client:      client,
		local:       local,
		dir:         dir,
		def:         def,
		historySize: opts.HistorySize,
		maxFileSize: opts.MaxFileSize,
		entities:    make(map[int64]Entity),
		stopTicker:  make(chan struct{}),
		tickerDone:  make(chan struct{}),
	}

	if recovered != nil {
		for id, e := range recovered.Entities {
			w.entities[id] = e
		}
		w.fileNum = recovered.FileNum
		h, err := client.Append(ctx, w.filePath())
		if err != nil {
			return nil, err
		}
		w.handle = h
		if sz, err := client.Length(ctx, w.filePath()); err == nil {
			w.currentSize = sz
		}
		if local != nil {
			lh, err := local.Append(ctx, w.filePath())
			if err != nil {
				w.handle.Close()
				return nil, err
			}
			w.localHandle = lh
		}
	} else if err := w.createFileLocked(ctx, 0); err != nil {
		return nil, err
	}

	go w.runScheduler(opts.FlushInterval)
	return w, nil
}

func (w *Writer) filePath() string {
	return fmt.Sprintf("%s/%d", w.dir, w.fileNum)
}

// createFileLocked opens a brand-new numbered file, writes the file header,
// dumps every currently-live entity (so a rolled-to file is self-contained
// and earlier files never need to be read again), and closes the dump with
// an EntityRecover sentinel. Callers must hold w.mu.
func (w *Writer) createFileLocked(ctx context.Context, num int) error {
	w.fileNum = num
	h, err := w.client.Create(ctx, w.filePath(), 3)
	if err != nil {
		return err
	}
	w.handle = h
	w.currentSize = 0
	if w.local != nil {
		lh, err := w.local.Create(ctx, w.filePath(), 1)
		if err != nil {
			h.Close()
			return err
		}
		w.localHandle = lh
	}

	if err := w.writeRawLocked(encodeFileHeader(w.def.Name, w.def.Version)); err != nil {
		return err
	}

	ids := make([]int64, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := w.writeEntityLocked(w.entities[id], 0); err != nil {
			return err
		}
	}
	if err := w.writeRecoverLocked(); err != nil {
		return err
	}
	return w.syncLocked()
}

func (w *Writer) writeRawLocked(buf []byte) error {
	if _, err := w.handle.Write(buf); err != nil {
		return err
	}
	if w.localHandle != nil {
		if _, err := w.localHandle.Write(buf); err != nil {
			return err
		}
	}
	w.currentSize += int64(len(buf))
	return nil
}

func (w *Writer) writeEntityLocked(e Entity, flags uint32) error {
	payload := e.Encode()
	h := EntityHeader{
		Type:      e.EntityType(),
		Checksum:  fletcher.Checksum32(payload),
		Length:    uint32(len(payload)),
		Flags:     flags,
		ID:        e.EntityID(),
		Timestamp: time.Now().UnixNano(),
	}
	buf := h.encode()
	buf = append(buf, payload...)
	return w.writeRawLocked(buf)
}

func (w *Writer) writeRemovalLocked(id int64, entityType EntityType) error {
	h := EntityHeader{
		Type:      entityType,
		Checksum:  fletcher.Checksum32(nil),
		Length:    0,
		Flags:     FlagRemove,
		ID:        id,
		Timestamp: time.Now().UnixNano(),
	}
	return w.writeRawLocked(h.encode())
}

func (w *Writer) writeRecoverLocked() error {
	h := EntityHeader{
		Type:      TypeRecover,
		Checksum:  fletcher.Checksum32(nil),
		Length:    0,
		Flags:     0,
		ID:        0,
		Timestamp: time.Now().UnixNano(),
	}
	return w.writeRawLocked(h.encode())
}

func (w *Writer) syncLocked() error {
	if err := w.handle.Sync(); err != nil {
		return err
	}
	if w.localHandle != nil {
		return w.localHandle.Sync()
	}
	return nil
}

// RecordState persists the given entities, collapsing each by id in the
// in-memory map, and syncs before returning (§4.9's "durability-critical
// operation" — signal_write_ready is synchronous here, not a background
// hint, because callers depend on the write surviving a crash the instant
// this returns).
func (w *Writer) RecordState(ctx context.Context, entities ...Entity) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	for _, e := range entities {
		if err := w.writeEntityLocked(e, 0); err != nil {
			return err
		}
		w.entities[e.EntityID()] = e
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.rollIfNeededLocked(ctx)
}

// RecordRemoval retires the given ids: a tombstone record is appended and
// the id is dropped from the in-memory map so a future roll's dump no
// longer includes it.
func (w *Writer) RecordRemoval(ctx context.Context, ids ...int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	for _, id := range ids {
		entityType := TypeRecover
		if e, ok := w.entities[id]; ok {
			entityType = e.EntityType()
		}
		if err := w.writeRemovalLocked(id, entityType); err != nil {
			return err
		}
		delete(w.entities, id)
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	return w.rollIfNeededLocked(ctx)
}

// rollIfNeededLocked closes the current file and opens fileNum+1 once the
// roll size is exceeded, dumping the live entity set into the new file and
// purging files beyond the configured history size.
func (w *Writer) rollIfNeededLocked(ctx context.Context) error {
	if w.currentSize < w.maxFileSize {
		return nil
	}
	w.handle.Close()
	if w.localHandle != nil {
		w.localHandle.Close()
	}
	if err := w.createFileLocked(ctx, w.fileNum+1); err != nil {
		return err
	}
	return w.purgeOldFilesLocked(ctx)
}

// purgeOldFilesLocked keeps only the historySize most-recent log files,
// matching MetaLogWriter's purge_old_log_files.
func (w *Writer) purgeOldFilesLocked(ctx context.Context) error {
	nums, err := listLogFiles(ctx, w.client, w.dir)
	if err != nil {
		return err
	}
	if len(nums) <= w.historySize {
		return nil
	}
	drop := nums[:len(nums)-w.historySize]
	for _, n := range drop {
		path := fmt.Sprintf("%s/%d", w.dir, n)
		_ = w.client.Remove(ctx, path)
		if w.local != nil {
			_ = w.local.Remove(ctx, path)
		}
	}
	return nil
}

// runScheduler is the background WriteScheduler: a periodic safety-net
// Sync in case a future caller ever adds a non-critical write path that
// skips the synchronous sync RecordState/RecordRemoval already do.
func (w *Writer) runScheduler(interval time.Duration) {
	defer close(w.tickerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				_ = w.syncLocked()
			}
			w.mu.Unlock()
		case <-w.stopTicker:
			return
		}
	}
}

// Close stops the background scheduler and closes the current file(s).
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopTicker)
	<-w.tickerDone

	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.handle.Close()
	if w.localHandle != nil {
		if lerr := w.localHandle.Close(); err == nil {
			err = lerr
		}
	}
	return err
}
