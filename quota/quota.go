/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package quota resolves the effective usage limits of a deployment from global settings
// and an optional profile override.
package quota

import "math"

// BytesInGB is the number of bytes in one (binary) gigabyte used for volume limits.
const BytesInGB = 1 << 30

// Settings are the global (deployment-wide) quota settings.
// Zero values mean "unlimited".
type Settings struct {
	MaxUsers     int
	DurationDays int
	VolumeGB     float64
}

// Profile is a named override bundle. Nil fields are "not defined" and fall back to Settings.
type Profile struct {
	Name         string
	UsersLimit   *int
	DurationDays *int
	VolumeGB     *float64
}

// Limits are the effective limits applied to a session. Zero values mean "unlimited".
type Limits struct {
	MaxConcurrentSessions int
	ValidityDurationDays  int
	TotalVolumeBytes      int64
}

// Unlimited reports whether no limit is configured at all.
func (l Limits) Unlimited() bool {
	return l.MaxConcurrentSessions <= 0 && l.ValidityDurationDays <= 0 && l.TotalVolumeBytes <= 0
}

// Resolve merges the global settings with the profile.
//
// The users limit of the profile overrides the global one only when it is strictly positive.
// Duration and volume overrides apply whenever they are defined, so an explicit zero in a profile
// lifts the corresponding global limit.
func Resolve(settings Settings, profile *Profile) Limits {
	limits := Limits{
		MaxConcurrentSessions: settings.MaxUsers,
		ValidityDurationDays:  settings.DurationDays,
	}
	volumeGB := settings.VolumeGB

	if profile != nil {
		if profile.UsersLimit != nil && *profile.UsersLimit > 0 {
			limits.MaxConcurrentSessions = *profile.UsersLimit
		}
		if profile.DurationDays != nil {
			limits.ValidityDurationDays = *profile.DurationDays
		}
		if profile.VolumeGB != nil {
			volumeGB = *profile.VolumeGB
		}
	}

	limits.TotalVolumeBytes = gbToBytes(volumeGB)
	return limits
}

func gbToBytes(gb float64) int64 {
	if !(gb > 0) { // NaN included
		return 0
	}
	b := math.Floor(gb * BytesInGB)
	if b >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(b)
}

// Namespace returns the key prefix isolating counters of the profile.
// The empty name maps to the global namespace which has no prefix.
func Namespace(profileName string) string {
	if profileName == "" {
		return ""
	}
	return "profile:" + profileName + ":"
}

// ProfileName returns the name of the profile, or empty string for nil.
func ProfileName(p *Profile) string {
	if p == nil {
		return ""
	}
	return p.Name
}
