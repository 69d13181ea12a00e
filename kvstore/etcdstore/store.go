/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package etcdstore implements kvstore.Store on top of etcd v3.
// Increments are emulated with transactions comparing the key's mod revision.
package etcdstore

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/acronis/go-quotaguard/kvstore"
)

// DefaultDialTimeout is used when Options.DialTimeout is zero.
const DefaultDialTimeout = 5 * time.Second

// Options configure the etcd client.
type Options struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	// KeyPrefix is prepended to every key, e.g. "/quotaguard/".
	KeyPrefix string
}

// Store is an etcd-backed kvstore.Store and kvstore.Incrementer.
type Store struct {
	client    *clientv3.Client
	keyPrefix string
}

var _ kvstore.Store = (*Store)(nil)
var _ kvstore.Incrementer = (*Store)(nil)

// New creates a Store using an existing client.
func New(client *clientv3.Client, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Open creates a client from the options.
func Open(opts Options) (*Store, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return New(client, opts.KeyPrefix), nil
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, s.keyPrefix+key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Put implements kvstore.Store.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.client.Put(ctx, s.keyPrefix+key, value)
	return err
}

// IncrBy implements kvstore.Incrementer.
// A missing key has mod revision 0, so the first increment creates it under the same comparison.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	k := s.keyPrefix + key
	for i := 0; i < kvstore.MaxCASAttempts; i++ {
		resp, err := s.client.Get(ctx, k)
		if err != nil {
			return 0, err
		}
		var cur, rev int64
		if len(resp.Kvs) != 0 {
			cur = kvstore.ParseInt(string(resp.Kvs[0].Value), true)
			rev = resp.Kvs[0].ModRevision
		}
		next := cur + delta
		txnResp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
			Then(clientv3.OpPut(k, kvstore.FormatInt(next))).
			Commit()
		if err != nil {
			return 0, err
		}
		if txnResp.Succeeded {
			return next, nil
		}
	}
	return 0, kvstore.ErrTooManyConflicts
}

// Ping checks that the cluster answers on the first endpoint.
func (s *Store) Ping(ctx context.Context) error {
	endpoints := s.client.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("no etcd endpoints configured")
	}
	_, err := s.client.Status(ctx, endpoints[0])
	return err
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
