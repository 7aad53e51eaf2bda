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
	"sync"

	"github.com/launix-de/tabletserver/internal/tablet"
)

// TableRegistry holds the TableInfo schema every live range on this server
// points at, keyed by the same id Range.TableID reports (§4.6: "a range
// owns one TableInfo pointer, shared"). A split needs its original range's
// TableInfo to build the sibling; the pipeline and scanner paths get theirs
// from the caller of create_scanner/submit instead, so this registry's only
// consumer inside this package is ExecuteSplit.
type TableRegistry struct {
	mu     sync.RWMutex
	tables map[string]*tablet.TableInfo
}

func NewTableRegistry() *TableRegistry {
	return &TableRegistry{tables: make(map[string]*tablet.TableInfo)}
}

// Register makes table's schema known under its own TableInfo.ID.
func (r *TableRegistry) Register(table *tablet.TableInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[table.ID] = table
}

// Lookup returns the TableInfo for tableID, if registered.
func (r *TableRegistry) Lookup(tableID string) (*tablet.TableInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[tableID]
	return t, ok
}
