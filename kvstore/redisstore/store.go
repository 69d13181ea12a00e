/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstore implements kvstore.Store on top of Redis. Counters use INCRBY in a script.
package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-quotaguard/kvstore"
)

// Options configure the connection. Several addresses make a cluster/sentinel client.
type Options struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed kvstore.Store and kvstore.Incrementer.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ kvstore.Store = (*Store)(nil)
var _ kvstore.Incrementer = (*Store)(nil)

// New creates a Store using an existing client.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Open creates a client from the options. The connection is established lazily; use Ping to check it.
func Open(opts Options) *Store {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return New(client, opts.KeyPrefix)
}

// Get implements kvstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Put implements kvstore.Store. Values never expire.
func (s *Store) Put(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.keyPrefix+key, value, 0).Err()
}

// incrByScript normalizes the stored value the way kvstore.ParseInt reads it
// (non-numeric values become 0) and then runs INCRBY, so a malformed counter doesn't fail it.
var incrByScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	local sign, digits = string.match(v, '^%s*([+-]?)(%d+)%s*$')
	local norm = '0'
	if digits then
		digits = string.gsub(digits, '^0+', '')
		if digits ~= '' and (#digits < 19 or (#digits == 19 and digits <= '9223372036854775807')) then
			norm = (sign == '-' and '-' or '') .. digits
		end
	end
	if norm ~= v then
		redis.call('SET', KEYS[1], norm)
	end
end
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// IncrBy implements kvstore.Incrementer. Non-numeric values are incremented from 0.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return incrByScript.Run(ctx, s.client, []string{s.keyPrefix + key}, delta).Int64()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
