/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package consulstore implements kvstore.Store on top of the Consul KV API.
// Increments are emulated with check-and-set on the key's modify index.
package consulstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/consul/api"

	"github.com/acronis/go-quotaguard/kvstore"
)

// DefaultKeyPrefix is used when Options.KeyPrefix is empty.
const DefaultKeyPrefix = "quotaguard/"

// Options configure the Consul client.
type Options struct {
	// Address of the agent, e.g. "localhost:8500". Empty means the api package default (CONSUL_HTTP_ADDR).
	Address   string
	Token     string
	KeyPrefix string
}

// Store is a Consul-backed kvstore.Store and kvstore.Incrementer.
type Store struct {
	kv        *api.KV
	keyPrefix string
}

var _ kvstore.Store = (*Store)(nil)
var _ kvstore.Incrementer = (*Store)(nil)

// New creates a Store using an existing client.
func New(client *api.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	// Consul keys must not start with a slash.
	return &Store{kv: client.KV(), keyPrefix: strings.TrimLeft(keyPrefix, "/")}
}

// Open creates a client from the options.
func Open(opts Options) (*Store, error) {
	cfg := api.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return New(client, opts.KeyPrefix), nil
}

func (s *Store) key(key string) string {
	return s.keyPrefix + key
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	pair, _, err := s.kv.Get(s.key(key), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", false, err
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

// Put implements kvstore.Store.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.kv.Put(&api.KVPair{Key: s.key(key), Value: []byte(value)}, (&api.WriteOptions{}).WithContext(ctx))
	return err
}

// IncrBy implements kvstore.Incrementer.
// ModifyIndex 0 in a CAS request means "create only if absent".
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	k := s.key(key)
	for i := 0; i < kvstore.MaxCASAttempts; i++ {
		pair, _, err := s.kv.Get(k, (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
		if err != nil {
			return 0, err
		}
		var cur int64
		var index uint64
		if pair != nil {
			cur = kvstore.ParseInt(string(pair.Value), true)
			index = pair.ModifyIndex
		}
		next := cur + delta
		ok, _, err := s.kv.CAS(&api.KVPair{
			Key:         k,
			Value:       []byte(kvstore.FormatInt(next)),
			ModifyIndex: index,
		}, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}
	return 0, kvstore.ErrTooManyConflicts
}

// Ping checks that the agent answers KV requests.
func (s *Store) Ping(ctx context.Context) error {
	_, _, err := s.kv.Get(s.key("ping"), (&api.QueryOptions{}).WithContext(ctx))
	return err
}
