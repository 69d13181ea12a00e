/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package backend opens the KV store selected in the "store" configuration section.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/kvstore/consulstore"
	"github.com/acronis/go-quotaguard/kvstore/etcdstore"
	"github.com/acronis/go-quotaguard/kvstore/redisstore"
	"github.com/acronis/go-quotaguard/kvstore/zkstore"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/retry"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type closer interface {
	Close() error
}

// Opts represents options for Open.
type Opts struct {
	Logger log.FieldLogger
	// MetricsCollector receives every store operation. May be nil.
	MetricsCollector kvstore.MetricsCollector
}

// Backend is an opened KV store.
type Backend struct {
	Kind Kind
	// Store is instrumented with the metrics collector passed to Open.
	Store kvstore.Store

	raw kvstore.Store
}

// Open creates the store client and waits until the backend answers a ping.
// The memory backend is ready immediately.
func Open(ctx context.Context, cfg *Config, opts Opts) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	logger = logger.With(log.String("store_backend", string(cfg.Kind)))

	raw, err := openRaw(cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{Kind: cfg.Kind, Store: kvstore.Instrument(raw, opts.MetricsCollector), raw: raw}

	if p, ok := raw.(pinger); ok {
		policy := retry.ExponentialBackoffPolicy{
			InitialInterval: time.Duration(cfg.Retry.InitialInterval),
			MaxInterval:     time.Duration(cfg.Retry.MaxInterval),
			MaxAttempts:     cfg.Retry.MaxAttempts,
		}
		if err = retry.WaitReady(ctx, policy, logger, "kv store", p.Ping); err != nil {
			if closeErr := b.Close(); closeErr != nil {
				logger.Error("failed to close kv store client", log.Error(closeErr))
			}
			return nil, fmt.Errorf("wait for %s store: %w", cfg.Kind, err)
		}
	}
	return b, nil
}

func openRaw(cfg *Config) (kvstore.Store, error) {
	switch cfg.Kind {
	case KindMemory, "":
		return kvstore.NewMemory(), nil
	case KindRedis:
		return redisstore.Open(redisstore.Options{
			Addrs:     cfg.Redis.Addrs,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.KeyPrefix,
		}), nil
	case KindEtcd:
		return etcdstore.Open(etcdstore.Options{
			Endpoints:   cfg.Etcd.Endpoints,
			Username:    cfg.Etcd.Username,
			Password:    cfg.Etcd.Password,
			DialTimeout: time.Duration(cfg.Etcd.DialTimeout),
			KeyPrefix:   cfg.KeyPrefix,
		})
	case KindConsul:
		return consulstore.Open(consulstore.Options{
			Address:   cfg.Consul.Address,
			Token:     cfg.Consul.Token,
			KeyPrefix: cfg.KeyPrefix,
		})
	case KindZooKeeper:
		return zkstore.Open(zkstore.Options{
			Servers:        cfg.ZooKeeper.Servers,
			SessionTimeout: time.Duration(cfg.ZooKeeper.SessionTimeout),
			Root:           cfg.ZooKeeper.Root,
		})
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Kind)
}

// Ping checks that the backend answers. It's always successful for the memory backend.
func (b *Backend) Ping(ctx context.Context) error {
	if p, ok := b.raw.(pinger); ok {
		return p.Ping(ctx)
	}
	return ctx.Err()
}

// Close releases the client connections if the backend holds any.
func (b *Backend) Close() error {
	if c, ok := b.raw.(closer); ok {
		return c.Close()
	}
	return nil
}
