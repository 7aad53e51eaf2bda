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

// Package commitlog is the append-only, block-compressed log over the DFS
// described in §4.7/§6: fragment files within a numbered directory, each a
// sequence of (header, compressed payload) blocks, with a sibling ".mark"
// file naming the last safely-closed fragment. It generalizes the teacher's
// FileLogfile (persistence-files.go, OpenLog/ReplayLog) from one
// newline-delimited JSON stream per shard to the versioned, checksummed,
// compressed block format the range server's durability story needs.
package commitlog

import (
	"bytes"
	"encoding/binary"

	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/tabletserver/internal/fletcher"
)

// Codec identifies the compression used for a block's payload.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecLZ4
)

const blockHeaderVersion = 1

// BlockHeader is the fixed header preceding every block's compressed
// payload (§6): version, codec, lengths, checksum and the revision range
// carried by the cells in the block (used to prune fragments whose max
// revision predates every live range's oldest revision, §4.7).
type BlockHeader struct {
	Codec           Codec
	UncompressedLen uint32
	CompressedLen   uint32
	Checksum        uint32 // Fletcher-32 over the compressed payload
	RevisionMin     int64
	RevisionMax     int64
}

const blockHeaderSize = 1 + 1 + 4 + 4 + 4 + 8 + 8 // version + codec + 2 lengths + checksum + 2 revisions

// EncodeBlock compresses payload (with codec) and returns header+payload
// ready to append to a fragment file.
func EncodeBlock(payload []byte, codec Codec, revMin, revMax int64) []byte {
	var compressed []byte
	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, buf)
		if err != nil || n == 0 {
			// incompressible or tiny: fall back to storing raw
			codec = CodecNone
			compressed = payload
		} else {
			compressed = buf[:n]
		}
	default:
		compressed = payload
	}
	h := BlockHeader{
		Codec:           codec,
		UncompressedLen: uint32(len(payload)),
		CompressedLen:   uint32(len(compressed)),
		Checksum:        fletcher.Checksum32(compressed),
		RevisionMin:     revMin,
		RevisionMax:     revMax,
	}
	out := make([]byte, 0, blockHeaderSize+len(compressed))
	out = append(out, blockHeaderVersion, byte(h.Codec))
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], h.UncompressedLen)
	out = append(out, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], h.CompressedLen)
	out = append(out, tmp[:4]...)
	binary.LittleEndian.PutUint32(tmp[:4], h.Checksum)
	out = append(out, tmp[:4]...)
	binary.LittleEndian.PutUint64(tmp[:8], uint64(h.RevisionMin))
	out = append(out, tmp[:8]...)
	binary.LittleEndian.PutUint64(tmp[:8], uint64(h.RevisionMax))
	out = append(out, tmp[:8]...)
	out = append(out, compressed...)
	return out
}

// ErrChecksumMismatch signals on-disk corruption of a block's payload;
// per §7 this is fatal and must not be silently retried.
var ErrChecksumMismatch = errBlock("commitlog: checksum mismatch")
var ErrTruncated = errBlock("commitlog: truncated block")

type errBlock string

func (e errBlock) Error() string { return string(e) }

// DecodeBlockHeader reads the fixed header from the front of buf. It
// returns ErrTruncated (not an error callers should treat as corruption)
// if buf is shorter than a full header — the reader treats that as EOF,
// matching §4.7 ("truncated block ... returns EOF rather than raising").
func DecodeBlockHeader(buf []byte) (BlockHeader, int, error) {
	if len(buf) < blockHeaderSize {
		return BlockHeader{}, 0, ErrTruncated
	}
	if buf[0] != blockHeaderVersion {
		return BlockHeader{}, 0, errBlock("commitlog: unsupported block version")
	}
	h := BlockHeader{Codec: Codec(buf[1])}
	h.UncompressedLen = binary.LittleEndian.Uint32(buf[2:6])
	h.CompressedLen = binary.LittleEndian.Uint32(buf[6:10])
	h.Checksum = binary.LittleEndian.Uint32(buf[10:14])
	h.RevisionMin = int64(binary.LittleEndian.Uint64(buf[14:22]))
	h.RevisionMax = int64(binary.LittleEndian.Uint64(buf[22:30]))
	return h, blockHeaderSize, nil
}

// DecodeBlock reads one full (header, payload) block from the front of buf,
// validates the checksum and decompresses. Returns the decompressed
// payload and the total number of bytes consumed.
func DecodeBlock(buf []byte) ([]byte, int, error) {
	h, n, err := DecodeBlockHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(h.CompressedLen)
	if end > len(buf) {
		return nil, 0, ErrTruncated
	}
	compressed := buf[n:end]
	if fletcher.Checksum32(compressed) != h.Checksum {
		return nil, 0, ErrChecksumMismatch
	}
	switch h.Codec {
	case CodecLZ4:
		out := make([]byte, h.UncompressedLen)
		m, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			return nil, 0, err
		}
		return out[:m], end, nil
	default:
		return bytes.Clone(compressed), end, nil
	}
}
