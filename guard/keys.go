/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package guard

import "time"

// Keys of the store entities, relative to the namespace.
const (
	KeyWindowStart    = "window_start"
	KeyActiveSessions = "active_sessions"
	KeyUsageBytes     = "usage_bytes"
	KeySessionHistory = "session_history"

	keyDailyUsagePrefix = "daily_usage:"
)

// DateLayout is the layout of dates in daily usage keys.
const DateLayout = "2006-01-02"

const msPerDay = 24 * 60 * 60 * 1000

// DailyUsageKey returns the key of the daily usage counter for the UTC date of t.
func DailyUsageKey(t time.Time) string {
	return keyDailyUsagePrefix + t.UTC().Format(DateLayout)
}
