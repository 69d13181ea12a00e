/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package quota

import (
	"fmt"

	"github.com/acronis/go-quotaguard/config"
)

const cfgDefaultKeyPrefix = "quota"

const (
	cfgKeyMaxUsers            = "maxUsers"
	cfgKeyDurationDays        = "durationDays"
	cfgKeyVolumeGB            = "volumeGB"
	cfgKeyUserID              = "userID"
	cfgKeyProfileName         = "profile.name"
	cfgKeyProfileUsersLimit   = "profile.usersLimit"
	cfgKeyProfileDurationDays = "profile.durationDays"
	cfgKeyProfileVolumeGB     = "profile.volumeGB"
	cfgKeyFlushThreshold      = "flushThreshold"
	cfgKeyDailyUsageDays      = "dailyUsageDays"
)

// Default values of the "quota" section.
const (
	DefaultFlushThreshold = 64 * 1024
	DefaultDailyUsageDays = 7
)

// Config is the "quota" configuration section.
//
// Example:
//
//	quota:
//	  maxUsers: 5
//	  durationDays: 30
//	  volumeGB: 100
//	  userID: alice
//	  profile:
//	    name: trial
//	    usersLimit: 1
//	    volumeGB: 0 # unlimited for this profile
type Config struct {
	Settings Settings
	UserID   string
	// Profile is nil when no profile name is configured.
	Profile        *Profile
	FlushThreshold config.ByteSize
	DailyUsageDays int

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new quota configuration section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// KeyPrefix returns the key prefix of the section.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// Limits resolves the effective limits for the configured profile.
func (c *Config) Limits() Limits {
	return Resolve(c.Settings, c.Profile)
}

// SetProviderDefaults sets default values of the section.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyFlushThreshold, DefaultFlushThreshold)
	dp.SetDefault(cfgKeyDailyUsageDays, DefaultDailyUsageDays)
}

// Set reads the section. Profile overrides are defined only when their keys are present.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if c.Settings.MaxUsers, err = dp.GetInt(cfgKeyMaxUsers); err != nil {
		return err
	}
	if c.Settings.MaxUsers < 0 {
		return dp.WrapKeyErr(cfgKeyMaxUsers, fmt.Errorf("cannot be negative"))
	}
	if c.Settings.DurationDays, err = dp.GetInt(cfgKeyDurationDays); err != nil {
		return err
	}
	if c.Settings.VolumeGB, err = dp.GetFloat64(cfgKeyVolumeGB); err != nil {
		return err
	}
	if c.UserID, err = dp.GetString(cfgKeyUserID); err != nil {
		return err
	}

	var profileName string
	if profileName, err = dp.GetString(cfgKeyProfileName); err != nil {
		return err
	}
	c.Profile = nil
	if profileName != "" {
		p := &Profile{Name: profileName}
		if p.UsersLimit, err = config.OptionalInt(dp, cfgKeyProfileUsersLimit); err != nil {
			return err
		}
		if p.DurationDays, err = config.OptionalInt(dp, cfgKeyProfileDurationDays); err != nil {
			return err
		}
		if p.VolumeGB, err = config.OptionalFloat64(dp, cfgKeyProfileVolumeGB); err != nil {
			return err
		}
		c.Profile = p
	}

	if c.FlushThreshold, err = dp.GetByteSize(cfgKeyFlushThreshold); err != nil {
		return err
	}
	if c.FlushThreshold == 0 {
		return dp.WrapKeyErr(cfgKeyFlushThreshold, fmt.Errorf("must be positive"))
	}
	if c.DailyUsageDays, err = dp.GetInt(cfgKeyDailyUsageDays); err != nil {
		return err
	}
	if c.DailyUsageDays <= 0 {
		return dp.WrapKeyErr(cfgKeyDailyUsageDays, fmt.Errorf("must be positive"))
	}
	return nil
}
