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

// Package coordinator is the naming service the range server depends on:
// exclusive file locks (one per server location, §3/§6) and small published
// attributes (the root range's Location, per-table schema blobs). The real
// coordinator (ZooKeeper-alike) is an external collaborator out of scope;
// this package pins the Go interface plus a local implementation suitable
// for single-box development and tests, built on the same atomic
// rename-then-write idiom the teacher's database.save() uses for
// schema.json, and on github.com/gofrs/flock for the exclusive lock (that
// dependency is not in the teacher's own go.mod, but it appears in the
// erigon-lib member of this retrieval pack, which needs the same "one
// process, one exclusive lock file" primitive for its own data directory).
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"time"

	"github.com/gofrs/flock"
)

var ErrLockHeld = errors.New("coordinator: lock already held by another process")

const defaultRetryInterval = 50 * time.Millisecond

// Handle is an acquired exclusive lock on a named coordinator file. The
// range server holds one of these for the lifetime of the process (§3: "at
// most one writer ... holds an exclusive lock on a coordinator file named
// by the server's location").
type Handle interface {
	Release() error
}

// Client is the naming-service surface: locks plus small attributes.
type Client interface {
	Lock(ctx context.Context, path string) (Handle, error)
	GetAttr(ctx context.Context, path, name string) ([]byte, bool, error)
	SetAttr(ctx context.Context, path, name string, value []byte) error
}

// Local is a single-box coordinator backed by flock-protected files under a
// base directory; attributes are stored as sibling "<path>.attrs.json"
// files written with an atomic rename.
type Local struct {
	Basedir string

	mu    sync.Mutex
	attrs map[string]map[string][]byte
}

func NewLocal(basedir string) *Local {
	return &Local{Basedir: basedir, attrs: make(map[string]map[string][]byte)}
}

type localHandle struct {
	fl *flock.Flock
}

func (h *localHandle) Release() error {
	return h.fl.Unlock()
}

func (c *Local) Lock(ctx context.Context, path string) (Handle, error) {
	full := filepath.Join(c.Basedir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return nil, err
	}
	fl := flock.New(full)
	ok, err := fl.TryLockContext(ctx, defaultRetryInterval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &localHandle{fl: fl}, nil
}

func (c *Local) attrPath(path string) string {
	return filepath.Join(c.Basedir, path+".attrs.json")
}

func (c *Local) loadAttrs(path string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.attrs[path]; ok {
		return m, nil
	}
	m := make(map[string][]byte)
	data, err := os.ReadFile(c.attrPath(path))
	if err == nil {
		_ = json.Unmarshal(data, &m)
	}
	c.attrs[path] = m
	return m, nil
}

func (c *Local) GetAttr(_ context.Context, path, name string) ([]byte, bool, error) {
	m, err := c.loadAttrs(path)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	v, ok := m[name]
	c.mu.Unlock()
	return v, ok, nil
}

func (c *Local) SetAttr(_ context.Context, path, name string, value []byte) error {
	m, err := c.loadAttrs(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	m[name] = value
	data, _ := json.Marshal(m)
	c.mu.Unlock()

	dst := c.attrPath(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	if stat, err := os.Stat(dst); err == nil && stat.Size() > 0 {
		os.Rename(dst, dst+".old")
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

var _ Client = (*Local)(nil)
