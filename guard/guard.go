/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package guard implements per-session quota enforcement.
//
// An Opener admits a session against resolved quota.Limits and returns a Guard. Allowed guards
// reserve a slot in the active sessions counter, meter transferred bytes with buffered flushes
// into the shared store and release the slot on Close. Denied guards expose the same methods as no-ops,
// so callers never need to branch on the admission result before using the lifecycle methods.
//
// All state is kept in a kvstore.Store under the namespace of the profile (see quota.Namespace).
package guard

import (
	"context"
	"errors"
)

// Denial reasons. They are shown to end users as is.
const (
	ReasonExpired     = "Configuration expired."
	ReasonVolumeLimit = "Volume limit reached."
	ReasonMaxUsers    = "Maximum simultaneous users reached."
)

// ErrVolumeLimitReached is returned by Guard.Commit when the stored usage together with
// not yet flushed bytes exceeds the volume limit. The session must be terminated and closed.
var ErrVolumeLimitReached = errors.New("volume limit reached")

// Identity identifies who opens a session.
type Identity struct {
	UserID string
	// Profile is the name of the quota profile, empty for the global namespace.
	Profile string
}

// Guard is a per-session accounting object.
// A single Guard must not be used from several goroutines at once.
type Guard interface {
	// Allowed reports whether the session was admitted.
	Allowed() bool
	// Reason is the denial reason, empty for allowed sessions.
	Reason() string
	// SessionID is a UUID v4 of an allowed session, empty for denied ones.
	SessionID() string
	// SessionBytes is the number of bytes committed during the session.
	SessionBytes() int64
	// Commit accounts n transferred bytes (both directions count the same).
	// Non-positive n, a closed guard and a denied guard make it a no-op.
	Commit(ctx context.Context, n int64) error
	// Close flushes buffered bytes, releases the session slot and records the end of the session.
	// It's idempotent; the guard is considered closed even when an error is returned.
	Close(ctx context.Context) error
}

type deniedGuard struct {
	reason string
}

var _ Guard = deniedGuard{}

func (g deniedGuard) Allowed() bool                       { return false }
func (g deniedGuard) Reason() string                      { return g.reason }
func (g deniedGuard) SessionID() string                   { return "" }
func (g deniedGuard) SessionBytes() int64                 { return 0 }
func (g deniedGuard) Commit(context.Context, int64) error { return nil }
func (g deniedGuard) Close(context.Context) error         { return nil }
