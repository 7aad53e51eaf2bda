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
	"strconv"
)

// runApply is the Apply stage (§4.8.3): once a batch's cells are durable in
// their access group's commit log (and, if relevant, the range's transfer
// log), insert them into the in-memory cell cache and resolve every
// mutation's response. A cache-insert failure here means the durable log
// now disagrees with what a scan will observe, so it is treated as fatal
// rather than reported back as an ordinary wire error (§4.8: "an apply
// failure is always fatal — the durable log is the source of truth"): the
// stage panics, and nothing in this package recovers it.
func (p *Pipeline) runApply(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case b, ok := <-p.applyCh:
			if !ok {
				return
			}
			p.apply(b)
		}
	}
}

func (p *Pipeline) apply(b *rangeBatch) {
	defer b.rng.DecrementUpdateCounter()
	for _, it := range b.items {
		it.mutation.Cell.Revision = it.revision
		if err := b.rng.Add(it.mutation.Cell, it.mutation.SchemaGeneration); err != nil {
			panic("pipeline: apply failed after commit on range " + strconv.FormatInt(b.rng.ID(), 10) + ": " + err.Error())
		}
		it.job.resolve(it.idx, nil)
	}
}
