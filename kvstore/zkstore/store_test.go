/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package zkstore

import (
	"context"
	"path"
	"sync"
	"testing"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/kvstore"
)

type znode struct {
	data    []byte
	version int32
}

// fakeConn mimics znode semantics: versions, missing parents and create races.
type fakeConn struct {
	mu    sync.Mutex
	nodes map[string]*znode
	// conflicts makes the next N versioned sets fail with ErrBadVersion.
	conflicts int
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]*znode{"/": {}}}
}

func (c *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte(nil), n.data...), &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 {
		if c.conflicts > 0 {
			c.conflicts--
			n.version++
			return nil, zk.ErrBadVersion
		}
		if version != n.version {
			return nil, zk.ErrBadVersion
		}
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Create(p string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	if _, ok := c.nodes[path.Dir(p)]; !ok {
		return "", zk.ErrNoNode
	}
	c.nodes[p] = &znode{data: append([]byte(nil), data...)}
	return p, nil
}

func (c *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

func (c *fakeConn) Close() {}

func TestStore_GetPut(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	store := New(conn, "/apps/quotaguard/")

	_, found, err := store.Get(ctx, "window_start")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Put(ctx, "window_start", "1"))
	require.NoError(t, store.Put(ctx, "window_start", "2"))
	val, found, err := store.Get(ctx, "window_start")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", val)

	exists, _, _ := conn.Exists("/apps/quotaguard/window_start")
	require.True(t, exists)
}

func TestStore_KeyEscaping(t *testing.T) {
	store := New(newFakeConn(), "")
	require.Equal(t, "/quotaguard/profile:a%2Fb:usage_bytes", store.path("profile:a/b:usage_bytes"))
	require.Equal(t, "/quotaguard/daily_usage:2024-05-01", store.path("daily_usage:2024-05-01"))
}

func TestStore_IncrBy(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	store := New(conn, "")

	n, err := store.IncrBy(ctx, "active_sessions", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	conn.conflicts = 2
	n, err = store.IncrBy(ctx, "active_sessions", -1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	conn.conflicts = kvstore.MaxCASAttempts
	_, err = store.IncrBy(ctx, "active_sessions", 1)
	require.ErrorIs(t, err, kvstore.ErrTooManyConflicts)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := New(newFakeConn(), "")
	require.ErrorIs(t, store.Put(ctx, "k", "v"), context.Canceled)
	_, err := store.IncrBy(ctx, "k", 1)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, store.Ping(ctx), context.Canceled)
}

func TestStore_WithCounters(t *testing.T) {
	ctx := context.Background()
	store := New(newFakeConn(), "")
	counters, err := kvstore.NewCounters(store, kvstore.CounterPolicyAuto)
	require.NoError(t, err)

	n, err := counters.Add(ctx, "active_sessions", -1)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	val, _, err := store.Get(ctx, "active_sessions")
	require.NoError(t, err)
	require.Equal(t, "0", val)
}
