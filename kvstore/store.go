/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package kvstore defines the key-value store abstraction used as the only durable state of quotas,
// together with counter policies on top of it and an in-memory implementation.
package kvstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Store is a string key-value store without transactions.
// Read-after-write consistency across concurrent callers is not assumed.
type Store interface {
	// Get returns the value of the key. found is false if the key does not exist.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key, value string) error
}

// Incrementer is implemented by stores that support atomic increments of decimal counters.
// A missing key and a value that ParseInt reads as 0 are both incremented from 0.
type Incrementer interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// ErrAtomicUnsupported is returned when the atomic counter policy is requested for a store
// that doesn't implement Incrementer.
var ErrAtomicUnsupported = errors.New("store does not support atomic increments")

// ParseInt converts a stored counter value to a number.
// Absent and non-numeric values are read as 0.
func ParseInt(value string, found bool) int64 {
	if !found {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FormatInt converts a counter to its stored representation.
func FormatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// GetInt reads a decimal counter.
func GetInt(ctx context.Context, store Store, key string) (int64, error) {
	val, found, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return ParseInt(val, found), nil
}

// MaxCASAttempts bounds compare-and-swap loops of stores that emulate Incrementer.
const MaxCASAttempts = 32

// ErrTooManyConflicts is returned when a compare-and-swap increment keeps losing races.
var ErrTooManyConflicts = errors.New("too many concurrent modifications")
