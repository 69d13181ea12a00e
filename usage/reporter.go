/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package usage builds read-only summaries of the quota state (usage, remaining volume and days,
// daily usage, session history) and publishes them over HTTP and as Prometheus gauges.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-quotaguard/guard"
	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/quota"
)

// Unlimited is reported for remaining bytes and days when the limit is not set.
const Unlimited = -1

// DefaultDailyUsageDays is the number of days in Summary.DailyUsage if not configured.
const DefaultDailyUsageDays = 7

const msPerDay = int64(24 * time.Hour / time.Millisecond)

// Stats is the current state of a namespace against its limits.
type Stats struct {
	UsageBytes     int64 `json:"usageBytes"`
	RemainingBytes int64 `json:"remainingBytes"`
	RemainingDays  int64 `json:"remainingDays"`
	ActiveSessions int64 `json:"activeSessions"`
	MaxUsers       int   `json:"maxUsers"`
}

// DailyUsage is the number of bytes transferred during a UTC day.
type DailyUsage struct {
	Date  string `json:"date"`
	Bytes int64  `json:"bytes"`
}

// Summary is the document served to dashboards.
type Summary struct {
	UsageStats     Stats                `json:"usageStats"`
	DailyUsage     []DailyUsage         `json:"dailyUsage"`
	SessionHistory []guard.HistoryEntry `json:"sessionHistory"`
}

// ReporterOpts represents options for Reporter.
type ReporterOpts struct {
	// DailyUsageDays is the number of days (today included) in Summary.DailyUsage.
	DailyUsageDays int
	Now            func() time.Time
}

// Reporter reads the quota state of namespaces. It never modifies the store.
type Reporter struct {
	store          kvstore.Store
	dailyUsageDays int
	now            func() time.Time
}

// NewReporter creates a new Reporter.
func NewReporter(store kvstore.Store, opts ReporterOpts) *Reporter {
	r := &Reporter{store: store, dailyUsageDays: opts.DailyUsageDays, now: opts.Now}
	if r.dailyUsageDays <= 0 {
		r.dailyUsageDays = DefaultDailyUsageDays
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// DailyUsageDays returns the number of days in Summary.DailyUsage by default.
func (r *Reporter) DailyUsageDays() int {
	return r.dailyUsageDays
}

// Summary returns the full usage summary of the profile's namespace.
func (r *Reporter) Summary(ctx context.Context, limits quota.Limits, profile string) (*Summary, error) {
	return r.SummaryForDays(ctx, limits, profile, r.dailyUsageDays)
}

// SummaryForDays is like Summary but reports daily usage for the given number of days.
func (r *Reporter) SummaryForDays(ctx context.Context, limits quota.Limits, profile string, days int) (*Summary, error) {
	now := r.now()
	ns := quota.Namespace(profile)

	stats, err := r.stats(ctx, ns, now, limits)
	if err != nil {
		return nil, err
	}
	daily, err := r.dailyUsage(ctx, ns, now, days)
	if err != nil {
		return nil, err
	}
	history, err := guard.ReadHistory(ctx, r.store, ns)
	if err != nil {
		return nil, err
	}
	return &Summary{UsageStats: stats, DailyUsage: daily, SessionHistory: history}, nil
}

// Stats returns only the usage stats of the profile's namespace.
func (r *Reporter) Stats(ctx context.Context, limits quota.Limits, profile string) (Stats, error) {
	return r.stats(ctx, quota.Namespace(profile), r.now(), limits)
}

func (r *Reporter) stats(ctx context.Context, ns string, now time.Time, limits quota.Limits) (Stats, error) {
	usage, err := kvstore.GetInt(ctx, r.store, ns+guard.KeyUsageBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("get usage: %w", err)
	}
	active, err := kvstore.GetInt(ctx, r.store, ns+guard.KeyActiveSessions)
	if err != nil {
		return Stats{}, fmt.Errorf("get active sessions: %w", err)
	}

	stats := Stats{
		UsageBytes:     usage,
		RemainingBytes: Unlimited,
		RemainingDays:  Unlimited,
		ActiveSessions: active,
		MaxUsers:       limits.MaxConcurrentSessions,
	}
	if limits.TotalVolumeBytes > 0 {
		stats.RemainingBytes = max(limits.TotalVolumeBytes-usage, 0)
	}
	if limits.ValidityDurationDays > 0 {
		if stats.RemainingDays, err = r.remainingDays(ctx, ns, now, limits.ValidityDurationDays); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

// remainingDays rounds the time left in the window up to whole days.
// A namespace without a window has the whole duration ahead.
func (r *Reporter) remainingDays(ctx context.Context, ns string, now time.Time, durationDays int) (int64, error) {
	val, found, err := r.store.Get(ctx, ns+guard.KeyWindowStart)
	if err != nil {
		return 0, fmt.Errorf("get window start: %w", err)
	}
	if !found {
		return int64(durationDays), nil
	}
	windowStart, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return int64(durationDays), nil
	}
	leftMs := windowStart + int64(durationDays)*msPerDay - now.UnixMilli()
	if leftMs <= 0 {
		return 0, nil
	}
	return (leftMs + msPerDay - 1) / msPerDay, nil
}

// dailyUsage returns usage of the last days UTC days, oldest first.
func (r *Reporter) dailyUsage(ctx context.Context, ns string, now time.Time, days int) ([]DailyUsage, error) {
	today := now.UTC()
	result := make([]DailyUsage, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		bytes, err := kvstore.GetInt(ctx, r.store, ns+guard.DailyUsageKey(day))
		if err != nil {
			return nil, fmt.Errorf("get daily usage for %s: %w", day.Format(guard.DateLayout), err)
		}
		result = append(result, DailyUsage{Date: day.Format(guard.DateLayout), Bytes: bytes})
	}
	return result, nil
}
