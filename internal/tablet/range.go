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

package tablet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/launix-de/tabletserver/internal/accessgroup"
	"github.com/launix-de/tabletserver/internal/cellkey"
	"github.com/launix-de/tabletserver/internal/commitlog"
	"github.com/launix-de/tabletserver/internal/dfs"
	"github.com/launix-de/tabletserver/internal/mergescan"
	"github.com/launix-de/tabletserver/internal/metalog"
	"github.com/launix-de/tabletserver/internal/scanctx"
)

// Range is one contiguous, half-open slice of a table's row space
// (exclusive StartRow, inclusive EndRow — §3's split scenario S6 splits
// [a..z] at m into [a..m] and (m..z]), owning one AccessGroup per access
// group its table defines and a metalog-backed state machine governing
// its split/relinquish lifecycle (§4.6).
type Range struct {
	id    int64
	table *TableInfo

	startRow []byte // exclusive lower bound; nil means -infinity
	endRow   []byte // inclusive upper bound; nil means +infinity

	groups        map[string]*accessgroup.AccessGroup
	familyToGroup map[uint8]string

	client  dfs.Client
	metalog *metalog.Writer

	mu                   sync.RWMutex
	state                State
	latestRevision       int64
	loadAcknowledged     bool
	transferLogDir       string
	transferLog          *commitlog.Writer // lazily opened against transferLogDir by AppendTransferLog
	transferLogWriterDir string

	updateCounter int64
	scanCounter   int64
	dropping      atomic.Bool
}

// defaultTransferLogRollSize mirrors accessgroup's commit log roll size;
// transfer logs are written and linked away quickly so there is no reason
// to size them differently.
const defaultTransferLogRollSize = 64 << 20

// NewRange constructs a Range in StateSteady from a recovered or freshly
// created RangeEntity, opening one AccessGroup per access group the table
// defines (§4.2's "a range owns a map of access groups").
func NewRange(id int64, table *TableInfo, startRow, endRow []byte, client dfs.Client, storeDir string, metalogWriter *metalog.Writer, entity *RangeEntity) *Range {
	r := &Range{
		id:            id,
		table:         table,
		startRow:      startRow,
		endRow:        endRow,
		groups:        make(map[string]*accessgroup.AccessGroup),
		familyToGroup: make(map[uint8]string),
		client:        client,
		metalog:       metalogWriter,
	}
	if entity != nil {
		r.state = entity.State
		r.latestRevision = entity.LatestRevision
		r.loadAcknowledged = entity.LoadAcknowledged
		r.transferLogDir = entity.TransferLogDir
	}
	for _, f := range table.Families() {
		r.familyToGroup[f.ID] = f.AccessGroup
		if _, ok := r.groups[f.AccessGroup]; !ok {
			dir := fmt.Sprintf("%s/ag-%s", storeDir, f.AccessGroup)
			r.groups[f.AccessGroup] = accessgroup.New(f.AccessGroup, client, dir, f.TimeOrder)
		}
	}
	return r
}

// ID reports the range's metalog entity id.
func (r *Range) ID() int64 { return r.id }

// Bounds reports the range's current (exclusive start, inclusive end) row
// boundaries.
func (r *Range) Bounds() (startRow, endRow []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startRow, r.endRow
}

// State reports the range's current state-machine position.
func (r *Range) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Range) groupForFamily(family uint8) (*accessgroup.AccessGroup, bool) {
	name, ok := r.familyToGroup[family]
	if !ok {
		return nil, false
	}
	ag, ok := r.groups[name]
	return ag, ok
}

// AccessGroupFor exposes groupForFamily to the update pipeline's commit
// stage (§4.8), which needs the concrete AccessGroup a cell's family routes
// to in order to serialize a per-range batch onto the right commit log.
func (r *Range) AccessGroupFor(family uint8) (*accessgroup.AccessGroup, bool) {
	return r.groupForFamily(family)
}

// TableID reports the id of the table this range belongs to, the
// granularity the update pipeline groups mutations by before routing rows
// to a range (§4.8 Qualify).
func (r *Range) TableID() string {
	return r.table.ID
}

// TransferLogDir reports the DFS directory of the transfer log currently
// associated with this range during a split or load, or "" if none is live.
// The commit stage writes a batch touching a mid-split range's shrinking
// half into this log first (§4.8 Commit: "any transfer-log region the batch
// touched is written first").
func (r *Range) TransferLogDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transferLogDir
}

// AppendTransferLog durably appends payload to the transfer log currently
// associated with this range, opening it on first use. It is a no-op if no
// transfer log is live (§4.8 Commit: "any transfer-log region the batch
// touched is written first so a crash before the main commit leaves a
// recoverable prefix").
func (r *Range) AppendTransferLog(ctx context.Context, payload []byte, revMin, revMax int64) error {
	r.mu.RLock()
	dir := r.transferLogDir
	r.mu.RUnlock()
	if dir == "" {
		return nil
	}
	w, err := r.transferLogWriterFor(ctx, dir)
	if err != nil {
		return err
	}
	return w.Append(ctx, payload, commitlog.CodecLZ4, revMin, revMax, true)
}

// transferLogWriterFor opens (or reuses) the transfer log writer for dir,
// reopening if the range's transfer log directory has changed since the
// writer was last opened (a new split started after a prior one finished).
func (r *Range) transferLogWriterFor(ctx context.Context, dir string) (*commitlog.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transferLog != nil && r.transferLogWriterDir == dir {
		return r.transferLog, nil
	}
	if r.transferLog != nil {
		r.transferLog.Close()
	}
	w, err := commitlog.NewWriter(ctx, r.client, dir, defaultTransferLogRollSize)
	if err != nil {
		return nil, err
	}
	r.transferLog = w
	r.transferLogWriterDir = dir
	return w, nil
}

// Close releases every access group's commit log and this range's transfer
// log, if one was opened. Part of ServerContext's fixed teardown order
// (§9): the live range map closes before the metalog writer.
func (r *Range) Close() error {
	var firstErr error
	for _, ag := range r.groups {
		if err := ag.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	tl := r.transferLog
	r.mu.Unlock()
	if tl != nil {
		if err := tl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// containsRow reports whether row falls within (startRow, endRow] — nil
// startRow is -infinity, nil endRow is +infinity.
func (r *Range) containsRow(row []byte) bool {
	if r.startRow != nil && cellkey.Compare(row, r.startRow) <= 0 {
		return false
	}
	if r.endRow != nil && cellkey.Compare(row, r.endRow) > 0 {
		return false
	}
	return true
}

// AssignRevision validates clock against the range's latest_revision,
// rejecting an update that would move revision backwards (§4.8 Qualify
// stage, §8 scenario S4), and otherwise advances latest_revision to
// max(latest_revision+1, clock). offset/length locate the offending
// mutation within the caller's request buffer for ClockSkewError.
func (r *Range) AssignRevision(clock int64, offset, length int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.latestRevision + 1
	if clock > next {
		next = clock
	}
	if clock != 0 && clock < r.latestRevision {
		return 0, &ClockSkewError{RangeID: r.id, LatestRevision: r.latestRevision, AssignedClock: clock, Offset: offset, Length: length}
	}
	r.latestRevision = next
	return next, nil
}

// LatestRevision reports the highest revision assigned or replayed so far.
func (r *Range) LatestRevision() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestRevision
}

// Add inserts one already-revisioned cell into the access group matching
// its family (§4.6's add operation, called under IncrementUpdateCounter's
// hold). schemaGeneration is checked against the table's current id first.
func (r *Range) Add(cell *cellkey.Cell, schemaGeneration string) error {
	if schemaGeneration != "" && schemaGeneration != r.table.ID {
		return ErrGenerationMismatch
	}
	r.mu.RLock()
	inBounds := r.containsRow(cell.Row)
	r.mu.RUnlock()
	if !inBounds {
		return ErrRangeNotFound
	}
	ag, ok := r.groupForFamily(cell.Family)
	if !ok {
		return fmt.Errorf("tablet: range %d has no access group for family %d", r.id, cell.Family)
	}
	return ag.Add(cell)
}

// IncrementUpdateCounter reserves the right to apply updates against this
// range, refusing once the range is mid-drop (split-shrunk handoff) or
// relinquishing (§4.6's "returns false if dropping/relinquishing").
func (r *Range) IncrementUpdateCounter() bool {
	if r.dropping.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRelinquishLogInstalled || r.state == StatePhantom {
		return false
	}
	r.updateCounter++
	return true
}

// DecrementUpdateCounter releases a hold taken by IncrementUpdateCounter.
func (r *Range) DecrementUpdateCounter() {
	r.mu.Lock()
	r.updateCounter--
	r.mu.Unlock()
}

// IncrementScanCounter reserves the right to create a scanner against this
// range's current generations; a scanner holding this counter up means a
// compaction or split must wait for it to drain before dropping data it
// might still read (§5 "scanners snapshot the required caches").
func (r *Range) IncrementScanCounter() {
	r.mu.Lock()
	r.scanCounter++
	r.mu.Unlock()
}

// DecrementScanCounter releases a hold taken by IncrementScanCounter.
func (r *Range) DecrementScanCounter() {
	r.mu.Lock()
	r.scanCounter--
	r.mu.Unlock()
}

// CreateScanner compiles ctx against the range's current boundaries and
// fans in one mergescan.AccessGroup per participating access group,
// combined by a mergescan.Range (§4.4, §4.6). It returns ErrRangeNotFound
// if ctx's requested interval falls outside the range's current boundaries
// — the caller asked a stale question, most likely because the range has
// since shrunk from under a split (§4.6's create_scanner error case).
func (r *Range) CreateScanner(ctx *scanctx.Context, rowLimit, cellLimit int64) (*mergescan.Range, error) {
	r.IncrementScanCounter()
	defer r.DecrementScanCounter()

	r.mu.RLock()
	startRow, endRow := r.startRow, r.endRow
	r.mu.RUnlock()

	if !boundsWithinRange(ctx.StartKey, ctx.EndKey, startRow, endRow) {
		return nil, ErrRangeNotFound
	}

	groups := make([]*mergescan.AccessGroup, 0, len(r.groups))
	for _, ag := range r.groups {
		groups = append(groups, ag.CreateScanner(ctx))
	}
	return mergescan.NewRange(groups, rowLimit, cellLimit), nil
}

// boundsWithinRange reports whether a scan's compiled [startKey, endKey)
// interval lies entirely within (rangeStartRow, rangeEndRow], using the
// same RowPrefixUpperBound construction scanctx.boundaryKeys uses so a
// scan's exclusive-start/inclusive-end semantics line up with a range's.
func boundsWithinRange(scanStartKey, scanEndKey, rangeStartRow, rangeEndRow []byte) bool {
	if rangeStartRow != nil {
		lower := cellkey.RowPrefixUpperBound(rangeStartRow)
		if scanStartKey != nil && cellkey.Compare(scanStartKey, lower) < 0 {
			return false
		}
	}
	if rangeEndRow != nil {
		upper := cellkey.RowPrefixUpperBound(rangeEndRow)
		if scanEndKey != nil && cellkey.Compare(scanEndKey, upper) > 0 {
			return false
		}
	}
	return true
}

// ScheduleRelinquish begins the relinquish path: a range may only be asked
// to relinquish while STEADY (§4.6's "pre STEADY" precondition — a range
// already mid-split or mid-relinquish cannot be asked again).
func (r *Range) ScheduleRelinquish(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateSteady {
		r.mu.Unlock()
		return ErrIllegalTransition
	}
	r.state = StateRelinquishLogInstalled
	r.mu.Unlock()
	r.dropping.Store(true)
	return r.persistLocked(ctx)
}

// AcknowledgeLoad marks this range's initial load as durably confirmed,
// mapping a closed metalog writer to ErrServerShuttingDown (§4.6's
// "SERVER_SHUTTING_DOWN" error case) rather than a generic write failure.
// Acknowledging twice is a no-op success, matching the retried-RPC
// idempotence testable property #6 expects of this path.
func (r *Range) AcknowledgeLoad(ctx context.Context) error {
	r.mu.Lock()
	if r.loadAcknowledged {
		r.mu.Unlock()
		return nil
	}
	r.loadAcknowledged = true
	r.mu.Unlock()

	if err := r.persistLocked(ctx); err != nil {
		if errors.Is(err, metalog.ErrClosed) {
			return ErrServerShuttingDown
		}
		return err
	}
	return nil
}

// ReplayTransferLog walks every block in reader and applies each entry to
// the owning access group, skipping any cell whose revision has already
// been applied (§8 scenario S5's replay idempotence: a second restart
// replays neither link twice because Range.add — here, applyReplayedCell —
// compares against latest_revision before inserting). A truncated read or
// checksum failure maps to the range's own error sentinels so the load
// path can report them without leaking commitlog's error types.
func (r *Range) ReplayTransferLog(ctx context.Context, reader *commitlog.Reader) error {
	err := reader.Replay(ctx, func(header commitlog.BlockHeader, payload []byte) error {
		off := 0
		for off < len(payload) {
			cell, n, err := r.decodeReplayCell(payload[off:])
			if err != nil {
				if errors.Is(err, commitlog.ErrTruncated) {
					return ErrRequestTruncated
				}
				return err
			}
			if err := r.applyReplayedCell(cell); err != nil {
				return err
			}
			off += n
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, commitlog.ErrChecksumMismatch):
		return ErrChecksumMismatch
	case errors.Is(err, commitlog.ErrTruncated):
		return ErrRequestTruncated
	default:
		return err
	}
}

// decodeReplayCell decodes one cell entry from a transfer-log block.
// cellkey.Decode's Family/Qualifier/Flag extraction doesn't depend on
// TimeOrder (only the Timestamp field's interpretation does), so a first
// pass with the ascending default is enough to discover Family; if that
// family's configured TimeOrder differs, a second decode pass
// re-interprets Timestamp correctly.
func (r *Range) decodeReplayCell(buf []byte) (*cellkey.Cell, int, error) {
	probe, n, err := cellkey.DecodeEntry(buf, cellkey.TimeOrderAscending)
	if err != nil {
		return nil, 0, err
	}
	if fam, ok := r.table.Family(probe.Family); ok && fam.TimeOrder != cellkey.TimeOrderAscending {
		exact, _, err := cellkey.DecodeEntry(buf, fam.TimeOrder)
		if err != nil {
			return nil, 0, err
		}
		return exact, n, nil
	}
	return probe, n, nil
}

// applyReplayedCell routes a replayed cell to its access group unless it
// has already been applied (Revision <= latestRevision), and otherwise
// advances latestRevision only after a successful apply.
func (r *Range) applyReplayedCell(cell *cellkey.Cell) error {
	r.mu.Lock()
	if cell.Revision != 0 && cell.Revision <= r.latestRevision {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	ag, ok := r.groupForFamily(cell.Family)
	if !ok {
		return fmt.Errorf("tablet: range %d has no access group for family %d", r.id, cell.Family)
	}
	if err := ag.Add(cell); err != nil {
		return err
	}

	r.mu.Lock()
	if cell.Revision > r.latestRevision {
		r.latestRevision = cell.Revision
	}
	r.mu.Unlock()
	return nil
}

// InstallSplit transitions STEADY -> SPLIT_LOG_INSTALLED once a split's
// transfer log has been durably installed for the new sibling range, and
// records the transfer log directory on the entity so a crash mid-split
// can resume from where it left off (§4.10 "Split", §3's state machine).
func (r *Range) InstallSplit(ctx context.Context, transferLogDir string) error {
	r.mu.Lock()
	if !r.state.CanTransitionTo(StateSplitLogInstalled) {
		r.mu.Unlock()
		return ErrIllegalTransition
	}
	r.state = StateSplitLogInstalled
	r.transferLogDir = transferLogDir
	r.mu.Unlock()
	return r.persistLocked(ctx)
}

// ShrinkAfterSplit transitions SPLIT_LOG_INSTALLED -> SPLIT_SHRUNK and
// narrows this range's own boundaries to its half of the split, once the
// sibling range carrying the other half has been created from the same
// transfer log (§4.10 "Split").
func (r *Range) ShrinkAfterSplit(ctx context.Context, newStartRow, newEndRow []byte) error {
	r.mu.Lock()
	if !r.state.CanTransitionTo(StateSplitShrunk) {
		r.mu.Unlock()
		return ErrIllegalTransition
	}
	r.state = StateSplitShrunk
	r.startRow = newStartRow
	r.endRow = newEndRow
	r.mu.Unlock()
	return r.persistLocked(ctx)
}

// AcknowledgeSplit completes the split once the sibling has acknowledged
// taking its half, returning SPLIT_SHRUNK -> STEADY and scheduling the
// now-unneeded transfer log for removal via a TaskRemoveTransferLog entity
// (§4.10 "Split").
func (r *Range) AcknowledgeSplit(ctx context.Context, taskID int64) error {
	r.mu.Lock()
	if !r.state.CanTransitionTo(StateSteady) {
		r.mu.Unlock()
		return ErrIllegalTransition
	}
	logDir := r.transferLogDir
	r.state = StateSteady
	r.transferLogDir = ""
	r.mu.Unlock()

	if err := r.persistLocked(ctx); err != nil {
		return err
	}
	if logDir == "" {
		return nil
	}
	return r.metalog.RecordState(ctx, &TaskRemoveTransferLog{TaskID: taskID, LogDir: logDir})
}

// FinalizeRelinquish marks the range's metalog entity removed once the
// relinquish has been durably recorded; the Range entity is expected to be
// dropped from the server's live range table by the caller immediately
// after this returns (§3: RELINQUISH_LOG_INSTALLED has no outgoing
// transition — the range is removed from the live map, not transitioned
// again).
func (r *Range) FinalizeRelinquish(ctx context.Context) error {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	if state != StateRelinquishLogInstalled {
		return ErrIllegalTransition
	}
	return r.metalog.RecordRemoval(ctx, r.id)
}

// ConfirmRelinquish persists the deferred acknowledgement task's
// Acknowledged flag once the external placement authority has confirmed
// the relinquished range was taken over (§4.10 "Relinquish"). It writes
// the task once; it does not retry or schedule a retry.
func (r *Range) ConfirmRelinquish(ctx context.Context, taskID int64) error {
	return r.metalog.RecordState(ctx, &TaskAcknowledgeRelinquish{TaskID: taskID, RangeID: r.id, Acknowledged: true})
}

// Entity snapshots the range's current durable state as a RangeEntity,
// suitable for RecordState or for inspection by the maintenance scheduler.
func (r *Range) Entity() *RangeEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &RangeEntity{
		RangeID:          r.id,
		TableID:          r.table.ID,
		StartRow:         r.startRow,
		EndRow:           r.endRow,
		State:            r.state,
		LatestRevision:   r.latestRevision,
		LoadAcknowledged: r.loadAcknowledged,
		TransferLogDir:   r.transferLogDir,
	}
}

func (r *Range) persistLocked(ctx context.Context) error {
	return r.metalog.RecordState(ctx, r.Entity())
}

// MaintenanceData reports every access group's compaction-relevant state,
// keyed by access group name, for the maintenance scheduler's priority
// scoring across every live range (§4.11).
func (r *Range) MaintenanceData() map[string]accessgroup.MaintenanceData {
	out := make(map[string]accessgroup.MaintenanceData, len(r.groups))
	for name, ag := range r.groups {
		out[name] = ag.MaintenanceData()
	}
	return out
}

// Compact runs a compaction pass over the named access group.
func (r *Range) Compact(ctx context.Context, accessGroupName string) error {
	ag, ok := r.groups[accessGroupName]
	if !ok {
		return fmt.Errorf("tablet: range %d has no access group %q", r.id, accessGroupName)
	}
	return ag.Compact(ctx)
}

// SplitRowEstimate samples candidate split rows across every access group,
// picking the single row with the most balanced split across all of them
// (§4.10 "Split" — a split row is proposed from sampled data, not a full
// sort of the range's key space). Returns nil if the range has too little
// data sampled to propose a split.
func (r *Range) SplitRowEstimate() []byte {
	var allSamples [][]byte
	for _, ag := range r.groups {
		allSamples = append(allSamples, ag.SplitRowEstimateData(32)...)
	}
	if len(allSamples) == 0 {
		return nil
	}
	sort.Slice(allSamples, func(i, j int) bool { return cellkey.Compare(allSamples[i], allSamples[j]) < 0 })
	mid := len(allSamples) / 2
	return allSamples[mid]
}
