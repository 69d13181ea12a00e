/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import (
	"context"
	"time"
)

// Instrument wraps the store so that every operation is reported to the collector.
// If the store implements Incrementer, so does the returned value.
func Instrument(store Store, collector MetricsCollector) Store {
	if collector == nil {
		collector = disabledMetrics{}
	}
	s := &instrumentedStore{delegate: store, collector: collector}
	if incr, ok := store.(Incrementer); ok {
		return &instrumentedIncrementer{instrumentedStore: s, incr: incr}
	}
	return s
}

type instrumentedStore struct {
	delegate  Store
	collector MetricsCollector
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	val, found, err := s.delegate.Get(ctx, key)
	s.collector.ObserveOperation(OpGet, err, time.Since(start))
	return val, found, err
}

func (s *instrumentedStore) Put(ctx context.Context, key, value string) error {
	start := time.Now()
	err := s.delegate.Put(ctx, key, value)
	s.collector.ObserveOperation(OpPut, err, time.Since(start))
	return err
}

type instrumentedIncrementer struct {
	*instrumentedStore
	incr Incrementer
}

func (s *instrumentedIncrementer) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	start := time.Now()
	n, err := s.incr.IncrBy(ctx, key, delta)
	s.collector.ObserveOperation(OpIncrBy, err, time.Since(start))
	return n, err
}
