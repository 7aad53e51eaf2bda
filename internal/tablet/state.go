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

// State is one position in a range's state machine, persisted as part of
// its RangeEntity (§3 "Range state machine").
type State uint8

const (
	StateSteady State = iota
	StateSplitLogInstalled
	StateSplitShrunk
	StateRelinquishLogInstalled
	StatePhantom
)

func (s State) String() string {
	switch s {
	case StateSteady:
		return "STEADY"
	case StateSplitLogInstalled:
		return "SPLIT_LOG_INSTALLED"
	case StateSplitShrunk:
		return "SPLIT_SHRUNK"
	case StateRelinquishLogInstalled:
		return "RELINQUISH_LOG_INSTALLED"
	case StatePhantom:
		return "PHANTOM"
	default:
		return "UNKNOWN_STATE"
	}
}

// legalTransitions is the edge set named verbatim in the design: STEADY can
// start either a split or a relinquish, a split walks SPLIT_LOG_INSTALLED
// -> SPLIT_SHRUNK -> STEADY, and RELINQUISH_LOG_INSTALLED has no outgoing
// edge of its own — the range is removed from the live map from there
// rather than transitioning again. PHANTOM is reachable only via a
// multi-server recovery path this single-process replay never drives, so
// it has no edges into or out of it here.
var legalTransitions = map[State]map[State]bool{
	StateSteady:                 {StateSplitLogInstalled: true, StateRelinquishLogInstalled: true},
	StateSplitLogInstalled:      {StateSplitShrunk: true},
	StateSplitShrunk:            {StateSteady: true},
	StateRelinquishLogInstalled: {},
	StatePhantom:                {},
}

// CanTransitionTo reports whether next is a legal next state from s.
func (s State) CanTransitionTo(next State) bool {
	return legalTransitions[s][next]
}
