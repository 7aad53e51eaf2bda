/*
Copyright (C) 2024  Carl-Philip Hänsch

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

// Package dfs is the core's view of the distributed file system: an
// append-only, replicated store the master, the commit log, the cell store
// and the metalog all build on. The real DFS and the broker protocol that
// fronts it (§6) are external collaborators out of scope for this
// specification; this package only pins the Go interface the core actually
// calls, generalizing the teacher's three PersistenceEngine backends
// (persistence-files.go, persistence-s3.go, persistence-ceph.go) from
// "one schema + one log per table" to a uniform path-addressed file store.
package dfs

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist mirrors os.ErrNotExist so callers can use errors.Is without
// importing a concrete backend.
var ErrNotExist = errors.New("dfs: file does not exist")

// ReadHandle is a DFS file opened for reading (sequential or positional).
type ReadHandle interface {
	io.ReadCloser
	io.Seeker
	ReadAt(p []byte, off int64) (int, error)
}

// WriteHandle is a DFS file opened for append-only writing, matching the
// broker's append/flush/sync/close verbs (§6).
type WriteHandle interface {
	io.WriteCloser
	Flush() error
	Sync() error
	Length() (int64, error)
}

// Client is the uniform surface the core uses against the DFS, independent
// of backend. Every call carries a context so a caller can enforce the
// deadline carried on the originating wire request (§5).
type Client interface {
	Open(ctx context.Context, path string) (ReadHandle, error)
	Create(ctx context.Context, path string, replication int) (WriteHandle, error)
	Append(ctx context.Context, path string) (WriteHandle, error) // open existing for append
	Length(ctx context.Context, path string) (int64, error)
	Readdir(ctx context.Context, path string) ([]string, error)
	Mkdirs(ctx context.Context, path string) error
	Rename(ctx context.Context, from, to string) error
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// AtomicWriteFile is a convenience used by the metalog and schema writers:
// rename any existing path to path+".old", write to path+".tmp", then rename
// that over path, matching the rename-then-write backup dance in the
// teacher's database.save()/WriteSchema.
func AtomicWriteFile(ctx context.Context, c Client, path string, data []byte) error {
	if ok, _ := c.Exists(ctx, path); ok {
		_ = c.Rename(ctx, path, path+".old")
	}
	tmp := path + ".tmp"
	w, err := c.Create(ctx, tmp, 3)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Rename(ctx, tmp, path)
}

// ReadFile reads the entire contents of path, returning ErrNotExist-wrapping
// errors unmolested so callers can fall back to the ".old" backup the way
// FileStorage.ReadSchema does.
func ReadFile(ctx context.Context, c Client, path string) ([]byte, error) {
	h, err := c.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return io.ReadAll(h)
}
