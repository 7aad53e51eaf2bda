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

package serverctx

import (
	"context"
	"fmt"

	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/commitlog"
	"github.com/launix-de/tabletserver/internal/scanctx"
	"github.com/launix-de/tabletserver/internal/tablet"
)

// ExecuteSplit implements maintenance.SplitExecutor: it scans rng's upper
// half (splitRow, rng's current end], writes those cells into a fresh
// transfer log, creates the sibling range that will own that half, has the
// sibling replay the transfer log, then shrinks rng down to its lower half
// and acknowledges the split — the full STEADY -> SPLIT_LOG_INSTALLED ->
// SPLIT_SHRUNK -> STEADY walk §4.10 "Split" describes, assembled here
// because it is the one operation that needs TableInfo, the DFS store
// directory and the metalog writer all at once, none of which
// internal/maintenance owns.
func (sc *ServerContext) ExecuteSplit(ctx context.Context, rng *tablet.Range, splitRow []byte) error {
	table, ok := sc.Tables.Lookup(rng.TableID())
	if !ok {
		return fmt.Errorf("serverctx: no table schema registered for %q", rng.TableID())
	}
	origStart, origEnd := rng.Bounds()

	families := table.Families()
	famSpecs := make([]scanctx.FamilySpec, len(families))
	for i, f := range families {
		famSpecs[i] = scanctx.FamilySpec{Family: f.ID}
	}
	spec := &scanctx.Spec{
		Families:          famSpecs,
		StartRow:          splitRow,
		StartRowInclusive: false,
		EndRow:            origEnd,
		EndRowInclusive:   true,
	}
	sctx, err := scanctx.Compile(spec, table.KnownFamilies())
	if err != nil {
		return fmt.Errorf("serverctx: compiling split scan: %w", err)
	}
	upperHalf, err := rng.CreateScanner(sctx, 0, 0)
	if err != nil {
		return fmt.Errorf("serverctx: creating split scanner: %w", err)
	}

	taskID := sc.nextTaskID.Add(1)
	transferDir := fmt.Sprintf("%s/transfer/%d-%d", sc.cfg.MetalogDir, rng.ID(), taskID)
	if err := rng.InstallSplit(ctx, transferDir); err != nil {
		return fmt.Errorf("serverctx: installing split: %w", err)
	}

	for {
		cell, ok := upperHalf.Next()
		if !ok {
			break
		}
		order := cellkey.TimeOrderAscending
		if ag, ok := rng.AccessGroupFor(cell.Family); ok {
			order = ag.TimeOrder()
		}
		payload, err := cellkey.EncodeEntry(nil, cell, order)
		if err != nil {
			return fmt.Errorf("serverctx: encoding split cell: %w", err)
		}
		if err := rng.AppendTransferLog(ctx, payload, cell.Revision, cell.Revision); err != nil {
			return fmt.Errorf("serverctx: appending split transfer log: %w", err)
		}
	}
	if err := upperHalf.Err(); err != nil {
		return fmt.Errorf("serverctx: scanning split upper half: %w", err)
	}

	siblingID := sc.nextRangeID.Add(1)
	sibling := tablet.NewRange(siblingID, table, splitRow, origEnd, sc.dfsClient, sc.cfg.StoreDir, sc.metalogWriter, nil)
	if err := sibling.ReplayTransferLog(ctx, commitlog.NewReader(sc.dfsClient, transferDir)); err != nil {
		return fmt.Errorf("serverctx: replaying split transfer log into sibling %d: %w", siblingID, err)
	}
	if err := sc.metalogWriter.RecordState(ctx, sibling.Entity()); err != nil {
		return fmt.Errorf("serverctx: persisting split sibling %d: %w", siblingID, err)
	}

	if err := rng.ShrinkAfterSplit(ctx, origStart, splitRow); err != nil {
		return fmt.Errorf("serverctx: shrinking original range %d: %w", rng.ID(), err)
	}
	sc.Ranges.Add(sibling)

	if err := rng.AcknowledgeSplit(ctx, taskID); err != nil {
		return fmt.Errorf("serverctx: acknowledging split of range %d: %w", rng.ID(), err)
	}
	return nil
}
