/*
Copyright (C) 2023  Carl-Philip Hänsch

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

// Package varint holds the small on-the-wire and on-disk encoding helpers
// shared by the key model, the commit log and the metalog: unsigned varints,
// NUL-terminated length-prefixed strings and the encoding-version+length
// envelope that lets a reader skip trailing fields it doesn't understand yet.
package varint

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrTruncated = errors.New("varint: truncated input")

// PutUvarint writes v as a 1-5 byte little-endian base-128 varint (the same
// shape as encoding/binary.PutUvarint, kept local so the on-disk format is
// pinned independently of the standard library's varint choice for uint64).
func PutUvarint(buf []byte, v uint32) int {
	return binary.PutUvarint(buf, uint64(v))
}

// AppendUvarint appends the varint encoding of v to buf.
func AppendUvarint(buf []byte, v uint32) []byte {
	var tmp [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(tmp[:], uint64(v))
	return append(buf, tmp[:n]...)
}

// Uvarint decodes a varint from buf, returning the value, the number of
// bytes consumed, and an error if buf was too short to hold a full varint.
func Uvarint(buf []byte) (uint32, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrTruncated
	}
	return uint32(v), n, nil
}

// ReadUvarint decodes a varint directly from a reader (used by the commit
// log and metalog readers, which stream rather than hold a full buffer).
func ReadUvarint(r io.ByteReader) (uint32, error) {
	v, err := binary.ReadUvarint(r)
	return uint32(v), err
}

// AppendString appends a length-prefixed, NUL-terminated string: a varint
// byte length followed by the raw bytes and a trailing NUL. The length does
// not include the NUL, matching the on-disk string layout of §4.1.
func AppendString(buf []byte, s string) []byte {
	buf = AppendUvarint(buf, uint32(len(s)))
	buf = append(buf, s...)
	buf = append(buf, 0)
	return buf
}

// String decodes a length-prefixed NUL-terminated string, returning the
// string, the number of bytes consumed (including the NUL), and an error.
func String(buf []byte) (string, int, error) {
	l, n, err := Uvarint(buf)
	if err != nil {
		return "", 0, err
	}
	end := n + int(l)
	if end >= len(buf) {
		return "", 0, ErrTruncated
	}
	if buf[end] != 0 {
		return "", 0, errors.New("varint: missing NUL terminator")
	}
	return string(buf[n:end]), end + 1, nil
}

// Envelope writes the one-byte encoding version followed by a varint
// internal length, then body. A reader that only understands an older
// version can skip the whole record via the length prefix without parsing
// body, which is how the format stays forward-compatible (§4.1).
func Envelope(version uint8, body []byte) []byte {
	out := make([]byte, 0, len(body)+6)
	out = append(out, version)
	out = AppendUvarint(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

// DecodeEnvelope splits a versioned, length-prefixed record off the front of
// buf, returning the version, the body (exactly length bytes, no more), and
// the number of bytes consumed from buf.
func DecodeEnvelope(buf []byte) (version uint8, body []byte, consumed int, err error) {
	if len(buf) < 1 {
		return 0, nil, 0, ErrTruncated
	}
	version = buf[0]
	l, n, err := Uvarint(buf[1:])
	if err != nil {
		return 0, nil, 0, err
	}
	start := 1 + n
	end := start + int(l)
	if end > len(buf) {
		return 0, nil, 0, ErrTruncated
	}
	return version, buf[start:end], end, nil
}
