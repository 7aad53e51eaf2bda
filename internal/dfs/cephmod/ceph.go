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

// Package cephmod backs dfs.Client with a Ceph RADOS pool, mirroring the
// teacher's CephStorage (persistence-ceph.go): objects are addressed by a
// joined prefix+path name and overwritten wholesale via WriteFull, since
// RADOS objects (like S3 objects) have no native append primitive either.
package cephmod

import (
	"bytes"
	"context"
	"path"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"

	"github.com/launix-de/tabletserver/internal/dfs"
)

type Config struct {
	ClusterName string
	UserName    string
	ConfFile    string
	Pool        string
	Prefix      string
}

type Client struct {
	cfg Config

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return nil
	}
	conn, err := rados.NewConnWithClusterAndUser(c.cfg.ClusterName, c.cfg.UserName)
	if err != nil {
		return err
	}
	if c.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(c.cfg.ConfFile); err != nil {
			return err
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return err
	}
	ioctx, err := conn.OpenIOContext(c.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return err
	}
	c.conn = conn
	c.ioctx = ioctx
	c.opened = true
	return nil
}

func (c *Client) obj(name string) string {
	return path.Join(strings.TrimSuffix(c.cfg.Prefix, "/"), name)
}

type readHandle struct {
	*bytes.Reader
}

func (r readHandle) Close() error { return nil }

func (c *Client) Open(_ context.Context, p string) (dfs.ReadHandle, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	obj := c.obj(p)
	stat, err := c.ioctx.Stat(obj)
	if err != nil {
		return nil, dfs.ErrNotExist
	}
	data := make([]byte, stat.Size)
	n, err := c.ioctx.Read(obj, data, 0)
	if err != nil {
		return nil, err
	}
	return readHandle{bytes.NewReader(data[:n])}, nil
}

type writeHandle struct {
	c   *Client
	obj string
	buf bytes.Buffer
}

func (w *writeHandle) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *writeHandle) flush() error                { return w.c.ioctx.WriteFull(w.obj, w.buf.Bytes()) }
func (w *writeHandle) Flush() error                { return w.flush() }
func (w *writeHandle) Sync() error                 { return w.flush() }
func (w *writeHandle) Close() error                { return w.flush() }
func (w *writeHandle) Length() (int64, error)      { return int64(w.buf.Len()), nil }

func (c *Client) Create(_ context.Context, p string, _ int) (dfs.WriteHandle, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	return &writeHandle{c: c, obj: c.obj(p)}, nil
}

func (c *Client) Append(ctx context.Context, p string) (dfs.WriteHandle, error) {
	existing, err := dfs.ReadFile(ctx, c, p)
	w := &writeHandle{c: c, obj: c.obj(p)}
	if err == nil {
		w.buf.Write(existing)
	}
	return w, nil
}

func (c *Client) Length(_ context.Context, p string) (int64, error) {
	if err := c.ensureOpen(); err != nil {
		return 0, err
	}
	stat, err := c.ioctx.Stat(c.obj(p))
	if err != nil {
		return 0, dfs.ErrNotExist
	}
	return int64(stat.Size), nil
}

func (c *Client) Readdir(_ context.Context, p string) ([]string, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := c.obj(p) + "/"
	var names []string
	iter, err := c.ioctx.Iter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.Next() {
		name := iter.Value()
		if strings.HasPrefix(name, prefix) {
			names = append(names, strings.TrimPrefix(name, prefix))
		}
	}
	return names, nil
}

func (c *Client) Mkdirs(context.Context, string) error { return nil } // RADOS is flat

func (c *Client) Rename(ctx context.Context, from, to string) error {
	data, err := dfs.ReadFile(ctx, c, from)
	if err != nil {
		return err
	}
	w, err := c.Create(ctx, to, 0)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Remove(ctx, from)
}

func (c *Client) Remove(_ context.Context, p string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	err := c.ioctx.Delete(c.obj(p))
	if err == rados.ErrNotFound {
		return nil
	}
	return err
}

func (c *Client) RemoveAll(ctx context.Context, p string) error {
	names, err := c.Readdir(ctx, p)
	if err != nil {
		return nil
	}
	for _, n := range names {
		_ = c.Remove(ctx, p+"/"+n)
	}
	return nil
}

func (c *Client) Exists(_ context.Context, p string) (bool, error) {
	if err := c.ensureOpen(); err != nil {
		return false, err
	}
	_, err := c.ioctx.Stat(c.obj(p))
	if err == rados.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var _ dfs.Client = (*Client)(nil)
