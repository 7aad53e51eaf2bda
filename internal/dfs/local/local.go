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

// Package local backs dfs.Client with the plain local filesystem, the way
// the teacher's FileStorage (persistence-files.go) backs a single table's
// schema/columns/log with os.* calls. Used both for single-node testing and
// as the DFS a development cluster points at before a real replicated DFS is
// wired in.
package local

import (
	"context"
	"os"
	"path/filepath"

	"github.com/launix-de/tabletserver/internal/dfs"
)

type Client struct {
	Basepath string
}

func New(basepath string) *Client {
	return &Client{Basepath: basepath}
}

func (c *Client) full(path string) string {
	return filepath.Join(c.Basepath, path)
}

type readHandle struct{ f *os.File }

func (r readHandle) Read(p []byte) (int, error)              { return r.f.Read(p) }
func (r readHandle) ReadAt(p []byte, off int64) (int, error)  { return r.f.ReadAt(p, off) }
func (r readHandle) Seek(off int64, whence int) (int64, error) { return r.f.Seek(off, whence) }
func (r readHandle) Close() error                             { return r.f.Close() }

type writeHandle struct{ f *os.File }

func (w writeHandle) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w writeHandle) Close() error                { return w.f.Close() }
func (w writeHandle) Flush() error                { return w.f.Sync() }
func (w writeHandle) Sync() error                 { return w.f.Sync() }
func (w writeHandle) Length() (int64, error) {
	fi, err := w.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func wrapErr(err error) error {
	if os.IsNotExist(err) {
		return dfs.ErrNotExist
	}
	return err
}

func (c *Client) Open(_ context.Context, path string) (dfs.ReadHandle, error) {
	f, err := os.Open(c.full(path))
	if err != nil {
		return nil, wrapErr(err)
	}
	return readHandle{f}, nil
}

func (c *Client) Create(_ context.Context, path string, _ int) (dfs.WriteHandle, error) {
	if err := os.MkdirAll(filepath.Dir(c.full(path)), 0750); err != nil {
		return nil, err
	}
	f, err := os.Create(c.full(path))
	if err != nil {
		return nil, err
	}
	return writeHandle{f}, nil
}

func (c *Client) Append(_ context.Context, path string) (dfs.WriteHandle, error) {
	if err := os.MkdirAll(filepath.Dir(c.full(path)), 0750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.full(path), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0750)
	if err != nil {
		return nil, err
	}
	return writeHandle{f}, nil
}

func (c *Client) Length(_ context.Context, path string) (int64, error) {
	fi, err := os.Stat(c.full(path))
	if err != nil {
		return 0, wrapErr(err)
	}
	return fi.Size(), nil
}

func (c *Client) Readdir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(c.full(path))
	if err != nil {
		return nil, wrapErr(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (c *Client) Mkdirs(_ context.Context, path string) error {
	return os.MkdirAll(c.full(path), 0750)
}

func (c *Client) Rename(_ context.Context, from, to string) error {
	return os.Rename(c.full(from), c.full(to))
}

func (c *Client) Remove(_ context.Context, path string) error {
	err := os.Remove(c.full(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (c *Client) RemoveAll(_ context.Context, path string) error {
	return os.RemoveAll(c.full(path))
}

func (c *Client) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(c.full(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

var _ dfs.Client = (*Client)(nil)
