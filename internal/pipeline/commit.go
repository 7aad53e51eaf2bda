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

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/tablet"
	"github.com/launix-de/tabletserver/internal/wire"
)

// runCommit is the Commit stage (§4.8.2): serialize each per-range batch to
// its access group's commit log, writing any live transfer-log region
// first, before handing the batch to Apply.
func (p *Pipeline) runCommit(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case b, ok := <-p.commitCh:
			if !ok {
				return
			}
			p.commit(ctx, b)
		}
	}
}

// commit groups b's items by access group and appends each sub-batch to
// that access group's commit log, resolving (and dropping from the batch)
// any item whose commit fails before the batch reaches Apply.
func (p *Pipeline) commit(ctx context.Context, b *rangeBatch) {
	if dir := b.rng.TransferLogDir(); dir != "" {
		payload, revMin, revMax := encodeItems(b.rng, b.items)
		if err := b.rng.AppendTransferLog(ctx, payload, revMin, revMax); err != nil {
			p.failBatch(b, err)
			b.rng.DecrementUpdateCounter()
			return
		}
	}

	byGroup := make(map[string][]batchItem)
	for _, it := range b.items {
		name, ok := groupName(b, it)
		if !ok {
			it.job.resolve(it.idx, wire.New(wire.CodeInternal, "no access group for cell family"))
			continue
		}
		byGroup[name] = append(byGroup[name], it)
	}

	var applied []batchItem
	alwaysSync := p.cfg.AlwaysSyncTableIDs[b.rng.TableID()]
	for name, items := range byGroup {
		ag, ok := b.rng.AccessGroupFor(items[0].mutation.Cell.Family)
		if !ok {
			for _, it := range items {
				it.job.resolve(it.idx, wire.New(wire.CodeInternal, "no access group for cell family"))
			}
			continue
		}
		payload, revMin, revMax := encodeItems(b.rng, items)
		sync := alwaysSync || p.shouldSync(b.rng.ID(), name, int64(len(payload)))
		if err := ag.AppendCommitCells(ctx, cellsOf(items), revMin, revMax, sync); err != nil {
			for _, it := range items {
				it.job.resolve(it.idx, wire.New(wire.CodeInternal, "commit failed: "+err.Error()))
			}
			continue
		}
		applied = append(applied, items...)
	}

	if len(applied) == 0 {
		b.rng.DecrementUpdateCounter()
		return
	}
	b.items = applied
	select {
	case p.applyCh <- b:
	case <-p.stop:
	}
}

func groupName(b *rangeBatch, it batchItem) (string, bool) {
	ag, ok := b.rng.AccessGroupFor(it.mutation.Cell.Family)
	if !ok {
		return "", false
	}
	return ag.Name, true
}

func cellsOf(items []batchItem) []*cellkey.Cell {
	cells := make([]*cellkey.Cell, len(items))
	for i, it := range items {
		it.mutation.Cell.Revision = it.revision
		cells[i] = it.mutation.Cell
	}
	return cells
}

// encodeItems serializes items for rng's commit or transfer log, encoding
// each cell's Timestamp in its own access group's configured TimeOrder
// (falling back to ascending for a family rng no longer recognizes) so a
// later replay's decodeReplayCell — which trusts the family's real
// configured order for its authoritative decode pass — reconstructs the
// same value the caller wrote.
func encodeItems(rng *tablet.Range, items []batchItem) (payload []byte, revMin, revMax int64) {
	for i, it := range items {
		it.mutation.Cell.Revision = it.revision
		order := cellkey.TimeOrderAscending
		if ag, ok := rng.AccessGroupFor(it.mutation.Cell.Family); ok {
			order = ag.TimeOrder()
		}
		encoded, err := cellkey.EncodeEntry(payload, it.mutation.Cell, order)
		if err != nil {
			continue
		}
		payload = encoded
		if i == 0 || it.revision < revMin {
			revMin = it.revision
		}
		if it.revision > revMax {
			revMax = it.revision
		}
	}
	return payload, revMin, revMax
}

// shouldSync tracks accumulated unsynced bytes per range+access-group and
// reports true (resetting the counter) once UpdateCoalesceLimit is exceeded
// (§4.8 Commit: "the user log coalesces sync points up to a size budget").
func (p *Pipeline) shouldSync(rangeID int64, group string, n int64) bool {
	if p.cfg.UpdateCoalesceLimit <= 0 {
		return true
	}
	key := unsyncedKey{rangeID: rangeID, group: group}
	p.unsyncedMu.Lock()
	defer p.unsyncedMu.Unlock()
	p.unsynced[key] += n
	if p.unsynced[key] >= p.cfg.UpdateCoalesceLimit {
		p.unsynced[key] = 0
		return true
	}
	return false
}

// failBatch resolves every item in b with err, for a batch rejected before
// per-access-group commit (e.g. a transfer-log write failure).
func (p *Pipeline) failBatch(b *rangeBatch, err error) {
	for _, it := range b.items {
		it.job.resolve(it.idx, wire.New(wire.CodeInternal, "commit failed: "+err.Error()))
	}
}
