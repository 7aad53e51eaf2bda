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

// Package wire is the operation/error-code surface a range server exposes
// to callers (§6): the small set of outcome codes a pipeline, maintenance
// or scanner operation can report, independent of which internal sentinel
// (tablet.ErrRangeNotFound, commitlog.ErrChecksumMismatch, ...) produced it.
// It plays the role the teacher's scm error values play at the network
// boundary in scm/network.go's panic/recover-to-500 handler, generalized
// from "print and 500" to a typed code a client can branch on.
package wire

import (
	"errors"
	"fmt"

	"github.com/launix-de/tabletserver/internal/tablet"
)

// Code is one of a small fixed set of outcomes a range server reports back
// on the wire (§6), distinct from the internal sentinel error that produced
// it so a client doesn't need to know about tablet/commitlog/metalog
// packages to branch on the result.
type Code int

const (
	CodeInternal Code = iota
	CodeOutOfRange
	CodeClockSkew
	CodeGenerationMismatch
	CodeRangeDropping
	CodeServerShuttingDown
	CodeNotFound
	CodeChecksumMismatch
	CodeTruncated
	CodeIllegalTransition
	CodeDeadlineExceeded
)

func (c Code) String() string {
	switch c {
	case CodeInternal:
		return "INTERNAL"
	case CodeOutOfRange:
		return "OUT_OF_RANGE"
	case CodeClockSkew:
		return "CLOCK_SKEW"
	case CodeGenerationMismatch:
		return "GENERATION_MISMATCH"
	case CodeRangeDropping:
		return "RANGE_DROPPING"
	case CodeServerShuttingDown:
		return "SERVER_SHUTTING_DOWN"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case CodeTruncated:
		return "TRUNCATED"
	case CodeIllegalTransition:
		return "ILLEGAL_TRANSITION"
	case CodeDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	default:
		return "UNKNOWN"
	}
}

// Error is the value every wire-facing operation returns in place of a bare
// error (§6): a Code a client can branch on, a human-readable Message, and
// the internal cause (if any) for server-side logging.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error carrying cause as its underlying error, so
// server-side logging can still see the original sentinel.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// FromTabletError maps one of internal/tablet's sentinel errors (or a
// *tablet.ClockSkewError) to its wire Code, falling back to CodeInternal
// for anything it doesn't recognize — a pipeline stage calls this once at
// the boundary instead of re-deriving the mapping itself.
func FromTabletError(err error) *Error {
	if err == nil {
		return nil
	}
	var skew *tablet.ClockSkewError
	if errors.As(err, &skew) {
		return Wrap(CodeClockSkew, err.Error(), err)
	}
	switch {
	case errors.Is(err, tablet.ErrGenerationMismatch):
		return Wrap(CodeGenerationMismatch, "schema generation mismatch", err)
	case errors.Is(err, tablet.ErrRangeNotFound):
		return Wrap(CodeOutOfRange, "range not found", err)
	case errors.Is(err, tablet.ErrServerShuttingDown):
		return Wrap(CodeServerShuttingDown, "server shutting down", err)
	case errors.Is(err, tablet.ErrRequestTruncated):
		return Wrap(CodeTruncated, "request truncated", err)
	case errors.Is(err, tablet.ErrChecksumMismatch):
		return Wrap(CodeChecksumMismatch, "checksum mismatch", err)
	case errors.Is(err, tablet.ErrClockSkew):
		return Wrap(CodeClockSkew, "clock skew", err)
	case errors.Is(err, tablet.ErrRangeDropping):
		return Wrap(CodeRangeDropping, "range is being dropped or relinquished", err)
	case errors.Is(err, tablet.ErrIllegalTransition):
		return Wrap(CodeIllegalTransition, "illegal range state transition", err)
	case errors.Is(err, tablet.ErrLoadAlreadyAcked):
		return Wrap(CodeInternal, "load already acknowledged", err)
	default:
		return Wrap(CodeInternal, "internal error", err)
	}
}
