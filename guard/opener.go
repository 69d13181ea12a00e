/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/lrucache"
	"github.com/acronis/go-quotaguard/quota"
)

// DefaultFlushThreshold is the default number of buffered bytes that triggers a flush.
const DefaultFlushThreshold = 64 * 1024

// WindowLoadTimeout bounds a shared load of the window start into Opts.WindowCache.
const WindowLoadTimeout = 10 * time.Second

// Opts represents options for Opener.
type Opts struct {
	// FlushThreshold is the number of buffered bytes that triggers a flush. DefaultFlushThreshold is used if <= 0.
	FlushThreshold int64

	// CounterPolicy selects how shared counters are mutated. Auto is used if empty.
	CounterPolicy kvstore.CounterPolicy

	// WindowCache keeps window starts in memory. They never change once written,
	// so a cached value is always valid. May be nil.
	// Concurrent Open calls share one load of a missing value. The load is not canceled
	// with the caller's context and is bounded by WindowLoadTimeout instead.
	WindowCache *lrucache.LRUCache[string, int64]

	Logger           log.FieldLogger
	MetricsCollector MetricsCollector

	// Now and NewSessionID are used in tests.
	Now          func() time.Time
	NewSessionID func() string
}

// Opener admits sessions and creates guards for them.
type Opener struct {
	store    kvstore.Store
	counters kvstore.Counters

	flushThreshold int64
	windowCache    *lrucache.LRUCache[string, int64]
	logger         log.FieldLogger
	metrics        MetricsCollector
	now            func() time.Time
	newSessionID   func() string
}

// NewOpener creates an Opener working on top of the store.
func NewOpener(store kvstore.Store, opts Opts) (*Opener, error) {
	counters, err := kvstore.NewCounters(store, opts.CounterPolicy)
	if err != nil {
		return nil, err
	}
	o := &Opener{
		store:          store,
		counters:       counters,
		flushThreshold: opts.FlushThreshold,
		windowCache:    opts.WindowCache,
		logger:         opts.Logger,
		metrics:        opts.MetricsCollector,
		now:            opts.Now,
		newSessionID:   opts.NewSessionID,
	}
	if o.flushThreshold <= 0 {
		o.flushThreshold = DefaultFlushThreshold
	}
	if o.logger == nil {
		o.logger = log.NewDisabledLogger()
	}
	if o.metrics == nil {
		o.metrics = disabledMetrics{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newSessionID == nil {
		o.newSessionID = uuid.NewString
	}
	return o, nil
}

// Open checks the limits and admits the session if none of them is reached.
//
// The checks are done in the fixed order: validity window, volume, concurrent sessions.
// The first failing check gives the denial reason and nothing is changed in the store.
// An admitted session increments the active sessions counter and records a start entry in the history.
// A denial is not an error: the returned Guard reports it via Allowed and Reason.
func (o *Opener) Open(ctx context.Context, limits quota.Limits, id Identity) (Guard, error) {
	ns := quota.Namespace(id.Profile)
	now := o.now()
	logger := o.logger.With(log.String("user_id", id.UserID), log.String("profile", id.Profile))

	reason, err := o.check(ctx, ns, now, limits)
	if err != nil {
		o.metrics.IncAdmissions(id.Profile, AdmissionStoreError)
		return nil, err
	}
	if reason != "" {
		o.metrics.IncAdmissions(id.Profile, admissionResult(reason))
		logger.Info("session denied", log.String("reason", reason))
		return deniedGuard{reason: reason}, nil
	}

	active, err := o.counters.Add(ctx, ns+KeyActiveSessions, 1)
	if err != nil {
		o.metrics.IncAdmissions(id.Profile, AdmissionStoreError)
		return nil, fmt.Errorf("reserve session slot: %w", err)
	}
	sessionID := o.newSessionID()
	if err = appendHistory(ctx, o.store, ns, newHistoryEntry(HistoryTypeStart, now, id, sessionID, active)); err != nil {
		// The caller gets no guard to close, so the slot is released here.
		if _, relErr := o.counters.Add(ctx, ns+KeyActiveSessions, -1); relErr != nil {
			logger.Error("failed to release session slot", log.Error(relErr))
		}
		o.metrics.IncAdmissions(id.Profile, AdmissionStoreError)
		return nil, err
	}

	o.metrics.IncAdmissions(id.Profile, AdmissionAllowed)
	logger.Debug("session admitted", log.String("session_id", sessionID), log.Int64("active_sessions", active))
	return &allowedGuard{
		opener:    o,
		namespace: ns,
		identity:  id,
		limits:    limits,
		sessionID: sessionID,
		startedAt: now,
		logger:    logger.With(log.String("session_id", sessionID)),
	}, nil
}

// check returns the denial reason or empty string if the session may be admitted.
func (o *Opener) check(ctx context.Context, ns string, now time.Time, limits quota.Limits) (string, error) {
	windowStart, err := o.windowStart(ctx, ns, now)
	if err != nil {
		return "", err
	}
	if limits.ValidityDurationDays > 0 && now.UnixMilli() >= windowStart+int64(limits.ValidityDurationDays)*msPerDay {
		return ReasonExpired, nil
	}

	if limits.TotalVolumeBytes > 0 {
		usage, err := kvstore.GetInt(ctx, o.store, ns+KeyUsageBytes)
		if err != nil {
			return "", fmt.Errorf("get usage: %w", err)
		}
		if usage >= limits.TotalVolumeBytes {
			return ReasonVolumeLimit, nil
		}
	}

	if limits.MaxConcurrentSessions > 0 {
		active, err := kvstore.GetInt(ctx, o.store, ns+KeyActiveSessions)
		if err != nil {
			return "", fmt.Errorf("get active sessions: %w", err)
		}
		if active >= int64(limits.MaxConcurrentSessions) {
			return ReasonMaxUsers, nil
		}
	}
	return "", nil
}

// windowStart returns the window start of the namespace in ms, starting the window now if there is none.
// Two processes starting the window at once may both write it; the later write wins.
func (o *Opener) windowStart(ctx context.Context, ns string, now time.Time) (int64, error) {
	key := ns + KeyWindowStart
	load := func(ctx context.Context) (int64, error) {
		val, found, err := o.store.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("get window start: %w", err)
		}
		if found {
			if ms, parseErr := strconv.ParseInt(strings.TrimSpace(val), 10, 64); parseErr == nil {
				return ms, nil
			}
			o.logger.Warn("malformed window start is replaced", log.String("key", key), log.String("value", val))
		}
		ms := now.UnixMilli()
		if err = o.store.Put(ctx, key, kvstore.FormatInt(ms)); err != nil {
			return 0, fmt.Errorf("put window start: %w", err)
		}
		return ms, nil
	}
	if o.windowCache == nil {
		return load(ctx)
	}
	return o.windowCache.GetOrLoad(key, func() (int64, error) {
		// The load is shared with concurrent callers and must outlive the cancellation of this one.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), WindowLoadTimeout)
		defer cancel()
		return load(loadCtx)
	})
}

func admissionResult(reason string) string {
	switch reason {
	case ReasonExpired:
		return AdmissionDeniedExpired
	case ReasonVolumeLimit:
		return AdmissionDeniedVolume
	case ReasonMaxUsers:
		return AdmissionDeniedMaxUsers
	}
	return AdmissionAllowed
}
