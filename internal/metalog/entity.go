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

// Entity is one typed, id-keyed record a Writer can persist: a RANGE state,
// a TASK_REMOVE_TRANSFER_LOG or TASK_ACKNOWLEDGE_RELINQUISH deferred task,
// or any other server-defined entity. Two records with the same ID collapse
// to whichever was written last (§4.9); RecordRemoval retires an ID without
// needing a concrete Entity value.
type Entity interface {
	EntityID() int64
	EntityType() EntityType
	Encode() []byte
}

// DecodeFunc reconstructs a typed Entity from its raw payload, given the
// type recorded in its header. Definition.Decode is this function for a
// particular server (the range server's RANGE/task entities); it mirrors
// the role of the teacher's per-backend decode switch, generalized from one
// fixed row shape to a typed record set.
type DecodeFunc func(t EntityType, payload []byte) (Entity, error)

// Definition names a log (used to validate the file header on read) and
// supplies the decoder for its entity types, matching Hypertable's
// MetaLog::Definition role (name + version + per-type construction).
type Definition struct {
	Name    string
	Version uint16
	Decode  DecodeFunc
}
