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
	"fmt"

	"github.com/launix-de/tabletserver/internal/metalog"
	"github.com/launix-de/tabletserver/internal/varint"
)

// The three entity types a range server's metalog carries beyond the
// built-in EntityRecover sentinel (§3 "Metalog (range server log)").
const (
	EntityTypeRange                     metalog.EntityType = 1
	EntityTypeTaskRemoveTransferLog     metalog.EntityType = 2
	EntityTypeTaskAcknowledgeRelinquish metalog.EntityType = 3
)

const rangeEntityVersion = 1

// Every entity below carries its own id as the first field of its encoded
// body, duplicating the id metalog.EntityHeader already stores. A
// metalog.DecodeFunc only receives (type, payload) — not the header the
// payload came from — so the id has to travel inside the payload too for
// the decoded Entity's EntityID() to come back out right.

// RangeEntity is the durable record of one range's identity and state: its
// boundaries, the table it belongs to, its state-machine position, its
// latest assigned revision (so a restart's clock-skew guard starts where
// the crashed process left off), whether its initial load has been
// acknowledged, and the transfer log directory it is currently associated
// with during a split or a load (empty once that work is done).
type RangeEntity struct {
	RangeID          int64
	TableID          string
	StartRow         []byte // exclusive lower bound; nil means -infinity
	EndRow           []byte // inclusive upper bound; nil means +infinity
	State            State
	LatestRevision   int64
	LoadAcknowledged bool
	TransferLogDir   string // non-empty while a split/load transfer log is live
}

func (e *RangeEntity) EntityID() int64               { return e.RangeID }
func (e *RangeEntity) EntityType() metalog.EntityType { return EntityTypeRange }

func (e *RangeEntity) Encode() []byte {
	var body []byte
	body = appendInt64(body, e.RangeID)
	body = varint.AppendString(body, e.TableID)
	body = appendBytes(body, e.StartRow)
	body = appendBytes(body, e.EndRow)
	body = append(body, byte(e.State))
	body = appendInt64(body, e.LatestRevision)
	if e.LoadAcknowledged {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = varint.AppendString(body, e.TransferLogDir)
	return varint.Envelope(rangeEntityVersion, body)
}

// decodeRangeEntity parses a RangeEntity written by Encode.
func decodeRangeEntity(payload []byte) (*RangeEntity, error) {
	_, body, _, err := varint.DecodeEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("tablet: decoding range entity: %w", err)
	}
	rangeID, n, err := readInt64(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	tableID, n, err := varint.String(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	startRow, n, err := readBytes(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	endRow, n, err := readBytes(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	if len(body) < 1 {
		return nil, varint.ErrTruncated
	}
	state := State(body[0])
	body = body[1:]
	rev, n, err := readInt64(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	if len(body) < 1 {
		return nil, varint.ErrTruncated
	}
	acked := body[0] != 0
	body = body[1:]
	logDir, _, err := varint.String(body)
	if err != nil {
		return nil, err
	}
	return &RangeEntity{
		RangeID:          rangeID,
		TableID:          tableID,
		StartRow:         startRow,
		EndRow:           endRow,
		State:            state,
		LatestRevision:   rev,
		LoadAcknowledged: acked,
		TransferLogDir:   logDir,
	}, nil
}

// TaskRemoveTransferLog is enqueued once a split's peer has acknowledged
// taking its half, scheduling the now-unneeded transfer log's removal
// (§4.10 "Split").
type TaskRemoveTransferLog struct {
	TaskID int64
	LogDir string
}

func (t *TaskRemoveTransferLog) EntityID() int64               { return t.TaskID }
func (t *TaskRemoveTransferLog) EntityType() metalog.EntityType { return EntityTypeTaskRemoveTransferLog }
func (t *TaskRemoveTransferLog) Encode() []byte {
	var body []byte
	body = appendInt64(body, t.TaskID)
	body = varint.AppendString(body, t.LogDir)
	return varint.Envelope(rangeEntityVersion, body)
}

func decodeTaskRemoveTransferLog(payload []byte) (*TaskRemoveTransferLog, error) {
	_, body, _, err := varint.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	taskID, n, err := readInt64(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	dir, _, err := varint.String(body)
	if err != nil {
		return nil, err
	}
	return &TaskRemoveTransferLog{TaskID: taskID, LogDir: dir}, nil
}

// TaskAcknowledgeRelinquish is the durable record that the external
// placement authority confirmed a relinquished range was taken over
// (§4.10 "Relinquish"); Range.ConfirmRelinquish writes it with
// Acknowledged set true. Nothing in this repository writes one with
// Acknowledged false or re-drives an unacknowledged task after a restart.
type TaskAcknowledgeRelinquish struct {
	TaskID       int64
	RangeID      int64
	Acknowledged bool
}

func (t *TaskAcknowledgeRelinquish) EntityID() int64 { return t.TaskID }
func (t *TaskAcknowledgeRelinquish) EntityType() metalog.EntityType {
	return EntityTypeTaskAcknowledgeRelinquish
}
func (t *TaskAcknowledgeRelinquish) Encode() []byte {
	var body []byte
	body = appendInt64(body, t.TaskID)
	body = appendInt64(body, t.RangeID)
	if t.Acknowledged {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	return varint.Envelope(rangeEntityVersion, body)
}

func decodeTaskAcknowledgeRelinquish(payload []byte) (*TaskAcknowledgeRelinquish, error) {
	_, body, _, err := varint.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	taskID, n, err := readInt64(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	rangeID, n, err := readInt64(body)
	if err != nil {
		return nil, err
	}
	body = body[n:]
	if len(body) < 1 {
		return nil, varint.ErrTruncated
	}
	return &TaskAcknowledgeRelinquish{TaskID: taskID, RangeID: rangeID, Acknowledged: body[0] != 0}, nil
}

// MetalogName and MetalogVersion identify the range server metalog's
// definition, matched against the stored file header on every Load (§4.9).
const (
	MetalogName    = "rsml"
	MetalogVersion = 1
)

// Definition returns the metalog.Definition the range server's metalog
// Writer and Reader are opened with.
func Definition() metalog.Definition {
	return metalog.Definition{Name: MetalogName, Version: MetalogVersion, Decode: decodeEntity}
}

func decodeEntity(t metalog.EntityType, payload []byte) (metalog.Entity, error) {
	switch t {
	case EntityTypeRange:
		return decodeRangeEntity(payload)
	case EntityTypeTaskRemoveTransferLog:
		return decodeTaskRemoveTransferLog(payload)
	case EntityTypeTaskAcknowledgeRelinquish:
		return decodeTaskAcknowledgeRelinquish(payload)
	default:
		return nil, fmt.Errorf("tablet: unknown metalog entity type %d", t)
	}
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = varint.AppendUvarint(buf, uint32(len(b)))
	return append(buf, b...)
}

func readBytes(buf []byte) ([]byte, int, error) {
	l, n, err := varint.Uvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(l)
	if end > len(buf) {
		return nil, 0, varint.ErrTruncated
	}
	if l == 0 {
		return nil, end, nil
	}
	out := make([]byte, l)
	copy(out, buf[n:end])
	return out, end, nil
}

func appendInt64(buf []byte, v int64) []byte {
	return varint.AppendUvarint(varint.AppendUvarint(buf, uint32(uint64(v)>>32)), uint32(uint64(v)))
}

func readInt64(buf []byte) (int64, int, error) {
	hi, n1, err := varint.Uvarint(buf)
	if err != nil {
		return 0, 0, err
	}
	lo, n2, err := varint.Uvarint(buf[n1:])
	if err != nil {
		return 0, 0, err
	}
	return int64(uint64(hi)<<32 | uint64(lo)), n1 + n2, nil
}
