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

package pipeline

import (
	"context"
	"time"

	"github.com/launix-de/tabletserver/internal/tablet"
	"github.com/launix-de/tabletserver/internal/wire"
)

// runQualify is the Qualify stage (§4.8.1): for each request, route every
// mutation to its owning range, reject rows outside any live range
// (OUT_OF_RANGE) or carrying a stale schema generation (GENERATION_MISMATCH)
// and assign a revision via Range.AssignRevision, which
// itself rejects clock skew (§8 S4). Mutations that clear both checks are
// grouped per range and handed to the group-commit coalescer.
func (p *Pipeline) runQualify(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case j, ok := <-p.qualifyCh:
			if !ok {
				return
			}
			p.waitForMemory(ctx)
			p.qualify(j)
		}
	}
}

// waitForMemory blocks admission of new requests while the maintenance
// scheduler reports low-memory mode (§4.11, §5 "Back-pressure"), polling
// rather than holding a lock so Stop/ctx cancellation is always honored.
func (p *Pipeline) waitForMemory(ctx context.Context) {
	if p.cfg.LowMemory == nil {
		return
	}
	for p.cfg.LowMemory() {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (p *Pipeline) qualify(j *job) {
	byRange := make(map[int64]*tablet.Range)
	grouped := make(map[int64][]batchItem)

	for i, m := range j.req.Mutations {
		rng, ok := p.locator.Lookup(j.req.TableID, m.Cell.Row)
		if !ok {
			j.resolve(i, wire.New(wire.CodeOutOfRange, "row outside any live range"))
			continue
		}
		if m.SchemaGeneration != "" && m.SchemaGeneration != rng.TableID() {
			j.resolve(i, wire.FromTabletError(tablet.ErrGenerationMismatch))
			continue
		}
		revision, err := rng.AssignRevision(m.Clock, m.Offset, m.Length)
		if err != nil {
			j.resolve(i, wire.FromTabletError(err))
			continue
		}
		byRange[rng.ID()] = rng
		grouped[rng.ID()] = append(grouped[rng.ID()], batchItem{job: j, idx: i, mutation: m, revision: revision})
	}

	for id, items := range grouped {
		rng := byRange[id]
		if !rng.IncrementUpdateCounter() {
			for _, it := range items {
				j.resolve(it.idx, wire.New(wire.CodeServerShuttingDown, "range is dropping or relinquishing"))
			}
			continue
		}
		p.enqueueForCommit(rng, items)
	}
}

// enqueueForCommit appends items to the range's accumulating group-commit
// batch, flushing immediately if the accumulated item count suggests the
// coalesce limit is near (a precise byte count is recomputed by the
// group-commit loop; this is just an early nudge so a single huge request
// doesn't wait out the whole interval).
func (p *Pipeline) enqueueForCommit(rng *tablet.Range, items []batchItem) {
	p.coalesceMu.Lock()
	batch, ok := p.pending[rng.ID()]
	if !ok {
		batch = &rangeBatch{rng: rng}
		p.pending[rng.ID()] = batch
	}
	batch.items = append(batch.items, items...)
	p.pendingLen[rng.ID()] += len(items)
	flush := p.pendingLen[rng.ID()] >= groupCommitFlushItems
	if flush {
		delete(p.pending, rng.ID())
		delete(p.pendingLen, rng.ID())
	}
	p.coalesceMu.Unlock()

	if flush {
		p.send(batch)
	}
}

// groupCommitFlushItems is an item-count proxy for "accumulated bytes
// exceed the coalesce limit" (§4.8 "Group commit"): rather than estimate
// encoded size twice (once here, once in the commit stage), a batch this
// large is flushed immediately instead of waiting for the interval timer.
const groupCommitFlushItems = 256

func (p *Pipeline) send(b *rangeBatch) {
	select {
	case p.commitCh <- b:
	case <-p.stop:
	}
}

// runGroupCommit is the timer side of group commit (§4.8 "Group commit"):
// every GroupCommitInterval it flushes whatever has accumulated per range,
// so a lightly loaded range's updates don't wait indefinitely for the
// item-count trigger.
func (p *Pipeline) runGroupCommit(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.GroupCommitInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.flushAll()
		}
	}
}

func (p *Pipeline) flushAll() {
	p.coalesceMu.Lock()
	batches := make([]*rangeBatch, 0, len(p.pending))
	for id, b := range p.pending {
		batches = append(batches, b)
		delete(p.pending, id)
		delete(p.pendingLen, id)
	}
	p.coalesceMu.Unlock()
	for _, b := range batches {
		p.send(b)
	}
}
