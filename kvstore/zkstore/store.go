/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package zkstore implements kvstore.Store on top of ZooKeeper.
// Every key is a znode under the root path; increments use versioned sets.
package zkstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/acronis/go-quotaguard/kvstore"
)

// Defaults of Options.
const (
	DefaultRoot           = "/quotaguard"
	DefaultSessionTimeout = 10 * time.Second
)

// Options configure the ZooKeeper connection.
type Options struct {
	Servers        []string
	SessionTimeout time.Duration
	Root           string
}

// Conn is the subset of *zk.Conn used by Store.
type Conn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	Close()
}

// Store is a ZooKeeper-backed kvstore.Store and kvstore.Incrementer.
// The zk client has no context support, so ctx is only checked before each request.
type Store struct {
	conn Conn
	root string
}

var _ kvstore.Store = (*Store)(nil)
var _ kvstore.Incrementer = (*Store)(nil)

// New creates a Store using an existing connection.
func New(conn Conn, root string) *Store {
	if root == "" {
		root = DefaultRoot
	}
	return &Store{conn: conn, root: "/" + strings.Trim(root, "/")}
}

// Open connects to the servers.
func Open(opts Options) (*Store, error) {
	timeout := opts.SessionTimeout
	if timeout == 0 {
		timeout = DefaultSessionTimeout
	}
	conn, _, err := zk.Connect(opts.Servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	return New(conn, opts.Root), nil
}

// path maps the key to a single znode below the root. Slashes in keys are escaped.
func (s *Store) path(key string) string {
	return s.root + "/" + url.PathEscape(key)
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	data, _, err := s.conn.Get(s.path(key))
	if errors.Is(err, zk.ErrNoNode) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Put implements kvstore.Store.
func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.path(key)
	for i := 0; i < kvstore.MaxCASAttempts; i++ {
		_, err := s.conn.Set(p, []byte(value), -1)
		if !errors.Is(err, zk.ErrNoNode) {
			return err
		}
		created, err := s.create(p, value)
		if err != nil || created {
			return err
		}
	}
	return kvstore.ErrTooManyConflicts
}

// IncrBy implements kvstore.Incrementer.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	p := s.path(key)
	for i := 0; i < kvstore.MaxCASAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		data, stat, err := s.conn.Get(p)
		if errors.Is(err, zk.ErrNoNode) {
			created, cErr := s.create(p, kvstore.FormatInt(delta))
			if cErr != nil {
				return 0, cErr
			}
			if created {
				return delta, nil
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		next := kvstore.ParseInt(string(data), true) + delta
		_, err = s.conn.Set(p, []byte(kvstore.FormatInt(next)), stat.Version)
		if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return next, nil
	}
	return 0, kvstore.ErrTooManyConflicts
}

// create creates the znode and the root if needed. created is false when another client won the race.
func (s *Store) create(p, value string) (created bool, err error) {
	if err = s.ensureRoot(); err != nil {
		return false, err
	}
	_, err = s.conn.Create(p, []byte(value), 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ensureRoot() error {
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(s.root, "/"), "/") {
		cur += "/" + part
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Ping checks that the ensemble answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.conn.Exists(s.root)
	return err
}

// Close closes the connection.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}
