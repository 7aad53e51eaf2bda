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

// Package scanner is the server-wide scanner registry (§4.12): a
// scanner_id -> (scanner, range, table_id, deadline) map that CreateScanner
// populates and FetchScanBlock drains, with a background sweep reclaiming
// entries whose deadline has passed. It generalizes the teacher's cacheMap
// (storage/cachemap.go) from a string-keyed value cache evicted by the
// global CacheManager's LRU budget to a uuid-keyed scanner cache evicted by
// wall-clock deadline instead of memory pressure — the concurrency shape
// (RWMutex-guarded map, per-entry atomic bookkeeping) carries over directly.
package scanner

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/mergescan"
	"github.com/launix-de/tabletserver/internal/tablet"
)

// ErrNotFound is returned by FetchScanBlock/Destroy for an unknown or
// already-reclaimed scanner id.
var ErrNotFound = errors.New("scanner: id not found")

// cellOverhead approximates the per-cell bookkeeping cost (key header plus
// slice headers) a scan block's byte budget is weighed against; exactness
// doesn't matter, only that it keeps a block from growing unboundedly.
const cellOverhead = 32

type entry struct {
	id       string
	scanner  *mergescan.Range
	rng      *tablet.Range
	tableID  string
	deadline time.Time
}

// Registry is the server-wide scanner table. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sweepInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Registry and starts its deadline-sweep goroutine, which
// runs every sweepInterval until Close is called.
func New(sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	r := &Registry{
		entries:       make(map[string]*entry),
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Create registers a new scanner against rng, returning the id a caller
// presents to FetchScanBlock/Destroy. deadline is the absolute time past
// which the sweep goroutine reclaims the entry even if nobody ever fetches
// from or destroys it (a client that dies mid-scan must not leak it
// forever). Create takes its own scan-counter hold on rng for the entry's
// whole registered lifetime, separate from (and outliving) the transient
// hold Range.CreateScanner takes while assembling the scanner itself — this
// is what makes the scan counter actually gate range destruction for as
// long as a snapshot taken at create time is still outstanding (§5).
func (r *Registry) Create(rng *tablet.Range, tableID string, scanner *mergescan.Range, deadline time.Time) string {
	rng.IncrementScanCounter()
	id := uuid.NewString()
	r.mu.Lock()
	r.entries[id] = &entry{id: id, scanner: scanner, rng: rng, tableID: tableID, deadline: deadline}
	r.mu.Unlock()
	return id
}

// Block is one fetch_scanblock result: the cells pulled this call and
// whether the scanner is now exhausted (in which case its entry has
// already been removed and the range's scan hold released).
type Block struct {
	Cells   []*cellkey.Cell
	TableID string
	RangeID int64
	Done    bool
}

// FetchScanBlock pulls cells from the scanner named by id until maxBytes
// (approximate, via cellOverhead+len(Value)) is exceeded or the scanner is
// exhausted, removing the registry entry and releasing the range's scan
// hold in the latter case (§4.4, §4.12).
func (r *Registry) FetchScanBlock(id string, maxBytes int64) (Block, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Block{}, ErrNotFound
	}

	var cells []*cellkey.Cell
	var used int64
	exhausted := false
	for maxBytes <= 0 || used < maxBytes {
		cell, ok := e.scanner.Next()
		if !ok {
			exhausted = true
			break
		}
		cells = append(cells, cell)
		used += cellOverhead + int64(len(cell.Value))
	}
	if err := e.scanner.Err(); err != nil {
		r.remove(id)
		return Block{}, err
	}
	if exhausted {
		r.remove(id)
	}
	return Block{Cells: cells, TableID: e.tableID, RangeID: e.rng.ID(), Done: exhausted}, nil
}

// Destroy removes a scanner before it naturally exhausts (destroy_scanner),
// releasing the range's scan hold.
func (r *Registry) Destroy(id string) error {
	if !r.remove(id) {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if ok {
		e.rng.DecrementScanCounter()
	}
	return ok
}

// Len reports the number of live scanners, for the stats dashboard.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats is the snapshot wire.Dashboard pulls from this registry.
func (r *Registry) Stats() map[string]any {
	return map[string]any{"open_scanners": r.Len()}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes every entry whose deadline has passed as of now,
// releasing each one's scan hold.
func (r *Registry) sweepExpired(now time.Time) {
	r.mu.Lock()
	var expired []*entry
	for id, e := range r.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, e := range expired {
		e.rng.DecrementScanCounter()
	}
}

// Close stops the sweep goroutine. It does not release any still-live
// scanner's hold; callers shut down the scanner registry only as part of
// the server's overall teardown, after the wire listener has stopped
// admitting new fetch_scanblock calls.
func (r *Registry) Close() {
	close(r.stop)
	r.wg.Wait()
}
