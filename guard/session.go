/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/quota"
)

type allowedGuard struct {
	opener    *Opener
	namespace string
	identity  Identity
	limits    quota.Limits
	sessionID string
	startedAt time.Time
	logger    log.FieldLogger

	buffered int64
	total    int64
	closed   atomic.Bool
}

var _ Guard = (*allowedGuard)(nil)

func (g *allowedGuard) Allowed() bool       { return true }
func (g *allowedGuard) Reason() string      { return "" }
func (g *allowedGuard) SessionID() string   { return g.sessionID }
func (g *allowedGuard) SessionBytes() int64 { return g.total }

// Commit buffers n bytes, flushes the buffer once it reaches the threshold and then checks
// the volume limit against the stored usage plus the bytes still in the buffer.
// Bytes are counted before the check, so the stored usage may slightly exceed the limit.
func (g *allowedGuard) Commit(ctx context.Context, n int64) error {
	if n <= 0 || g.closed.Load() {
		return nil
	}
	g.buffered += n
	g.total += n

	if g.buffered >= g.opener.flushThreshold {
		if err := g.flush(ctx); err != nil {
			return err
		}
	}

	if g.limits.TotalVolumeBytes <= 0 {
		return nil
	}
	usage, err := kvstore.GetInt(ctx, g.opener.store, g.namespace+KeyUsageBytes)
	if err != nil {
		return fmt.Errorf("get usage: %w", err)
	}
	if usage+g.buffered > g.limits.TotalVolumeBytes {
		g.opener.metrics.IncVolumeLimitExceeded(g.identity.Profile)
		g.logger.Info("volume limit reached",
			log.Int64("usage_bytes", usage), log.Int64("buffered_bytes", g.buffered),
			log.Int64("limit_bytes", g.limits.TotalVolumeBytes))
		return ErrVolumeLimitReached
	}
	return nil
}

// flush moves buffered bytes into the cumulative and today's counters.
// The buffer is dropped as soon as the cumulative counter is updated so that a failure
// of the daily counter never leads to counting the same bytes twice.
func (g *allowedGuard) flush(ctx context.Context) error {
	n := g.buffered
	if n == 0 {
		return nil
	}
	if _, err := g.opener.counters.Add(ctx, g.namespace+KeyUsageBytes, n); err != nil {
		g.logger.Error("failed to flush usage", log.Int64("bytes", n), log.Error(err))
		return fmt.Errorf("flush usage: %w", err)
	}
	g.buffered = 0
	g.opener.metrics.AddFlushedBytes(g.identity.Profile, n)

	if _, err := g.opener.counters.Add(ctx, g.namespace+DailyUsageKey(g.opener.now()), n); err != nil {
		g.logger.Error("failed to flush daily usage", log.Int64("bytes", n), log.Error(err))
		return fmt.Errorf("flush daily usage: %w", err)
	}
	return nil
}

// Close implements Guard.
func (g *allowedGuard) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	now := g.opener.now()
	duration := now.Sub(g.startedAt)
	g.opener.metrics.ObserveSessionDuration(g.identity.Profile, duration)

	flushErr := g.flush(ctx)

	active, err := g.opener.counters.Add(ctx, g.namespace+KeyActiveSessions, -1)
	if err != nil {
		g.logger.Error("failed to release session slot", log.Error(err))
		return errors.Join(flushErr, fmt.Errorf("release session slot: %w", err))
	}

	entry := newHistoryEntry(HistoryTypeEnd, now, g.identity, g.sessionID, active)
	total := g.total
	durationSec := int64(duration / time.Second)
	if durationSec < 1 {
		durationSec = 1
	}
	entry.Bytes = &total
	entry.DurationSec = &durationSec
	histErr := appendHistory(ctx, g.opener.store, g.namespace, entry)

	g.logger.Debug("session closed",
		log.Int64("bytes", total), log.Int64("duration_sec", durationSec), log.Int64("active_sessions", active))
	return errors.Join(flushErr, histErr)
}
